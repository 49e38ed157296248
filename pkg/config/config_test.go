package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	opts := Default()
	require.NoError(t, opts.Validate())
	require.Equal(t, 1250, opts.TrunkMaxPackets)
	require.Equal(t, 1443, opts.FramedPort)
	require.Equal(t, 15*time.Second, opts.PingInterval)
	require.Equal(t, 8*time.Second, opts.StallTimeout)
	require.Equal(t, 120*time.Second, opts.ExtendInterval)
	require.Equal(t, 500*time.Millisecond, opts.TalkbackSilence)
	require.Equal(t, 3*time.Second, opts.SyntheticFrameInterval)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.env")
	content := `# camera core settings
trunk_max_packets=100
stall_timeout_ms=4000
talkback_silence_ms=250
local_access_preferred=true
user_agent=test-agent/2.0

unknown_key=ignored
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	opts, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 100, opts.TrunkMaxPackets)
	require.Equal(t, 4*time.Second, opts.StallTimeout)
	require.Equal(t, 250*time.Millisecond, opts.TalkbackSilence)
	require.True(t, opts.LocalAccessPreferred)
	require.Equal(t, "test-agent/2.0", opts.UserAgent)
	// Untouched keys keep defaults
	require.Equal(t, 15*time.Second, opts.PingInterval)
}

func TestSyntheticIntervalClamp(t *testing.T) {
	opts := Default()
	opts.SyntheticFrameInterval = time.Millisecond
	require.NoError(t, opts.Validate())
	require.Equal(t, MinSyntheticFrameInterval, opts.SyntheticFrameInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	opts := Default()
	opts.TrunkMaxPackets = 0
	require.Error(t, opts.Validate())

	opts = Default()
	opts.FramedPort = 70000
	require.Error(t, opts.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.Error(t, err)
}
