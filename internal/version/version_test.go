package version

import (
	"regexp"
	"testing"
)

func TestGet(t *testing.T) {
	v := Get()
	if !regexp.MustCompile(`^\d+\.\d+\.\d+$`).MatchString(v) {
		t.Errorf("version %q is not semver", v)
	}
	if String() != "hivemind v"+v {
		t.Errorf("unexpected String() %q", String())
	}
}
