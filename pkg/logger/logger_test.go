package logger

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestEnableCategoryAll(t *testing.T) {
	cfg := NewConfig()
	cfg.EnableCategory(DebugAll)

	for _, c := range []DebugCategory{
		DebugFramed, DebugWebRTC, DebugRTP, DebugNAL, DebugStore, DebugTalkback,
	} {
		require.True(t, cfg.IsCategoryEnabled(c), "category %s", c)
	}
}

func TestFlagsToConfig(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--debug-store", "--log-format", "json"}))

	cfg, err := f.ToConfig()
	require.NoError(t, err)
	require.Equal(t, FormatJSON, cfg.Format)
	require.Equal(t, LevelDebug, cfg.Level)
	require.True(t, cfg.IsCategoryEnabled(DebugStore))
	require.False(t, cfg.IsCategoryEnabled(DebugRTP))
}
