package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxflow/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Poll.Interval.Std())
	assert.Equal(t, 20*time.Second, cfg.Backends.Timeout.Std())
	assert.Equal(t, "dry-run", cfg.Backends.Email.Provider)
	require.Len(t, cfg.Triggers, 2)
	assert.Equal(t, "daily_briefing", cfg.Triggers[0].Key)
	assert.Equal(t, 5*time.Minute, cfg.Triggers[0].Window.Std())
	assert.Equal(t, "Pending_Approval", cfg.StateDirs()[domain.StatePendingApproval])
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("poll:\n  interval: 5s\nbackends:\n  email:\n    provider: none\n"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval.Std())
	assert.Equal(t, "none", cfg.Backends.Email.Provider)
	assert.Equal(t, "Done", cfg.Vault.Done)
	assert.Equal(t, 10, cfg.Backends.SendsPerMinute)
}

func TestValidateErrors(t *testing.T) {
	cases := []struct{ doc, want string }{
		{"poll:\n  interval: 0s\n", "config.poll.interval must be positive"},
		{"poll:\n  interval: soon\n", "invalid duration"},
		{"vault:\n  done: Approved\n", "same directory"},
		{"triggers:\n  - key: x\n    at: \"25:00\"\n    window: 1m\n", "config.triggers[0].at"},
		{"triggers:\n  - key: x\n    at: \"08:00\"\n    window: 1m\n  - key: x\n    at: \"09:00\"\n    window: 1m\n", "duplicate key x"},
		{"backends:\n  email:\n    provider: smtp\n", "config.backends.email.provider"},
		{"log:\n  level: loud\n", "config.log.level"},
		{"rules:\n  overrides:\n    - name: x\n", "config.rules.overrides[0].when is required"},
		{"intake:\n  gmail:\n    enabled: true\n    token: \"\"\n", "credentials and token are required"},
	}
	for _, tc := range cases {
		_, err := FromYAML([]byte(tc.doc))
		require.Error(t, err, tc.doc)
		assert.Contains(t, err.Error(), tc.want, tc.doc)
	}
}

func TestLoadAndLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ibx config init")

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestYAMLRoundTrip(t *testing.T) {
	out, err := Default().YAML()
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "interval: 30s"), out)
	cfg, err := FromYAML([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("08:05")
	require.NoError(t, err)
	assert.Equal(t, 8, h)
	assert.Equal(t, 5, m)
	_, _, err = ParseClock("8am")
	assert.Error(t, err)
}
