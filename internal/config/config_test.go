package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClockMinutes(t *testing.T) {
	tests := []struct {
		input    string
		expected int
		wantErr  bool
	}{
		{"22:30", 1350, false},
		{"09:00", 540, false},
		{"00:00", 0, false},
		{"23:59", 1439, false},
		{"7:30", 450, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"-1:00", 0, true},
		{"1230", 0, true},
		{"ab:cd", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseClockMinutes(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.InDelta(t, 60, cfg.Presence.GraceThresholdSeconds, 0.001)
	assert.InDelta(t, 180, cfg.Presence.ConfirmThresholdSeconds, 0.001)
	assert.Equal(t, "22:30", cfg.Presence.SleepWindowStart)
	assert.Equal(t, "09:00", cfg.Presence.SleepWindowEnd)
	assert.InDelta(t, 120, cfg.Presence.MinSleepMinutes, 0.001)
	assert.Equal(t, "presence/+/idle", cfg.Presence.IdleTopic)
	assert.Equal(t, "sleep:statement:stream", cfg.Presence.StatementStream)
	assert.Equal(t, 30, cfg.Presence.RetentionDays)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PRESENCE_MIN_SLEEP_MINUTES", "90")
	t.Setenv("PRESENCE_SLEEP_WINDOW_START", "21:00")

	cfg, err := Load()
	require.NoError(t, err)

	assert.InDelta(t, 90, cfg.Presence.MinSleepMinutes, 0.001)
	assert.Equal(t, "21:00", cfg.Presence.SleepWindowStart)
}
