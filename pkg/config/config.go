package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for every tunable in the core
const (
	DefaultTrunkMaxPackets        = 1250
	DefaultFramedPort             = 1443
	DefaultDriverInterval         = 4 * time.Millisecond
	DefaultSyntheticFrameInterval = 3 * time.Second
	DefaultPingInterval           = 15 * time.Second
	DefaultStallTimeout           = 8 * time.Second
	DefaultExtendInterval         = 120 * time.Second
	DefaultTalkbackSilence        = 500 * time.Millisecond
	DefaultUserAgent              = "nest-hub-bridge/1.0"

	// The synthetic path never injects faster than 30 fps
	MinSyntheticFrameInterval = 33 * time.Millisecond
)

// Options holds all tunables for the camera media core
type Options struct {
	// ResourcePath is a directory containing offline.h264 and off.h264,
	// the single-frame filler payloads. Empty uses embedded frames.
	ResourcePath string

	// TrunkMaxPackets bounds the rolling buffer per device
	TrunkMaxPackets int

	// DriverInterval is the frame store drain cadence
	DriverInterval time.Duration

	// SyntheticFrameInterval is the filler injection cadence while the
	// device is offline or streaming is disallowed
	SyntheticFrameInterval time.Duration

	// PingInterval is the framed-backend keepalive cadence
	PingInterval time.Duration

	// StallTimeout reconnects the framed backend after this long without media
	StallTimeout time.Duration

	// ExtendInterval renews a WebRTC viewing session
	ExtendInterval time.Duration

	// TalkbackSilence is how long a talkback source may stay silent before
	// a zero-length terminator is delivered
	TalkbackSilence time.Duration

	// FramedPort is the framed backend's TLS port
	FramedPort int

	// LocalAccessPreferred is advisory for the WebRTC backend
	LocalAccessPreferred bool

	// UserAgent is advertised on control requests
	UserAgent string
}

// Default returns an Options populated with every default value
func Default() *Options {
	return &Options{
		TrunkMaxPackets:        DefaultTrunkMaxPackets,
		DriverInterval:         DefaultDriverInterval,
		SyntheticFrameInterval: DefaultSyntheticFrameInterval,
		PingInterval:           DefaultPingInterval,
		StallTimeout:           DefaultStallTimeout,
		ExtendInterval:         DefaultExtendInterval,
		TalkbackSilence:        DefaultTalkbackSilence,
		FramedPort:             DefaultFramedPort,
		UserAgent:              DefaultUserAgent,
	}
}

// Load reads options from a key=value env file, starting from defaults.
// Unknown keys are ignored so one file can feed several binaries.
func Load(envPath string) (*Options, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	opts := Default()
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key=value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := opts.set(key, value); err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return opts, nil
}

func (o *Options) set(key, value string) error {
	switch key {
	case "resource_path":
		o.ResourcePath = value
	case "trunk_max_packets":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		o.TrunkMaxPackets = n
	case "framed_port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		o.FramedPort = n
	case "synthetic_frame_interval_ms":
		return setMillis(&o.SyntheticFrameInterval, value)
	case "ping_interval_ms":
		return setMillis(&o.PingInterval, value)
	case "stall_timeout_ms":
		return setMillis(&o.StallTimeout, value)
	case "extend_interval_ms":
		return setMillis(&o.ExtendInterval, value)
	case "talkback_silence_ms":
		return setMillis(&o.TalkbackSilence, value)
	case "local_access_preferred":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		o.LocalAccessPreferred = b
	case "user_agent":
		o.UserAgent = value
	}
	return nil
}

func setMillis(dst *time.Duration, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

// Validate checks ranges and clamps the synthetic cadence to the 30 fps floor
func (o *Options) Validate() error {
	if o.TrunkMaxPackets <= 0 {
		return fmt.Errorf("trunk_max_packets must be positive, got %d", o.TrunkMaxPackets)
	}
	if o.FramedPort <= 0 || o.FramedPort > 65535 {
		return fmt.Errorf("framed_port out of range: %d", o.FramedPort)
	}
	if o.DriverInterval <= 0 {
		o.DriverInterval = DefaultDriverInterval
	}
	if o.SyntheticFrameInterval < MinSyntheticFrameInterval {
		o.SyntheticFrameInterval = MinSyntheticFrameInterval
	}
	if o.PingInterval <= 0 {
		return fmt.Errorf("ping_interval_ms must be positive")
	}
	if o.StallTimeout <= 0 {
		return fmt.Errorf("stall_timeout_ms must be positive")
	}
	if o.ExtendInterval <= 0 {
		return fmt.Errorf("extend_interval_ms must be positive")
	}
	if o.TalkbackSilence <= 0 {
		return fmt.Errorf("talkback_silence_ms must be positive")
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	return nil
}
