// Package version reports the hivemind release embedded at build time.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the current version, with whitespace trimmed
func Get() string {
	return strings.TrimSpace(versionContent)
}

// String returns the version in "hivemind vX.Y.Z" form.
func String() string {
	return "hivemind v" + Get()
}
