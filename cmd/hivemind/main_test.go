package main

import (
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{12 * time.Minute, "12m"},
		{2 * time.Hour, "2h"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
		{50 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d), tt.d.String())
	}
}

func TestDisplayValue_MasksSecrets(t *testing.T) {
	assert.Equal(t, "****", displayValue("redis.password", "hunter2"))
	assert.Equal(t, "(not set)", displayValue("audit.postgres_dsn", ""))
	assert.Equal(t, "info", displayValue("log.level", "info"))
	assert.Equal(t, "3", displayValue("deadlock.max_attempts", 3))
}

func TestColorStatus_Plain(t *testing.T) {
	old := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = old })

	for _, s := range []string{"running", "completed", "failed", "paused", "unknown"} {
		assert.Equal(t, s, colorStatus(s))
	}
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"init", "seed", "export", "status", "detect", "resolve", "sweep", "fail", "messages", "run", "signal", "monitor", "config", "version"} {
		assert.True(t, names[want], want)
	}
}
