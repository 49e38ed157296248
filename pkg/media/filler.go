package media

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	offlineFileName = "offline.h264"
	offFileName     = "off.h264"
)

// AACSilence is a single encoded AAC-LC frame of silence. It is pushed on the
// audio plane whenever real audio is unavailable so downstream decoders never
// starve between frames.
var AACSilence = []byte{0x21, 0x10, 0x04, 0x60, 0x8C, 0x1C}

// fallbackFrame is a minimal baked-in H.264 access unit (SPS, PPS, one black
// IDR slice) used when no resource directory is configured. Stored without the
// Annex-B start code; the store prepends it at delivery time.
var fallbackFrame = []byte{
	// SPS (baseline, 320x240)
	0x67, 0x42, 0xC0, 0x1E, 0xD9, 0x02, 0x83, 0xF6, 0x02, 0xD4,
	0x18, 0x04, 0x18, 0x04, 0x6A, 0x65, 0x80,
	0x00, 0x00, 0x00, 0x01,
	// PPS
	0x68, 0xCB, 0x83, 0xCB, 0x20,
	0x00, 0x00, 0x00, 0x01,
	// IDR slice, uniform frame
	0x65, 0x88, 0x84, 0x00, 0x33, 0xFF, 0xFE, 0xF6, 0xF0, 0xFE,
	0x05, 0x36, 0x56, 0x04, 0x50, 0x96, 0x7B, 0x3F, 0x53, 0xE1,
}

// FillerSet holds the synthetic frames substituted when a device cannot
// deliver real media. Video payloads are stored without a start code so the
// store's single delivery path applies the prefix uniformly.
type FillerSet struct {
	Offline []byte // shown while the device is offline
	Off     []byte // shown while the owner has streaming disabled
	Silence []byte // AAC silence frame
}

// LoadFillers reads the two single-frame H.264 payloads from resourcePath.
// An empty resourcePath or a missing file falls back to the embedded frame.
// Leading start codes are stripped on load.
func LoadFillers(resourcePath string) (*FillerSet, error) {
	fs := &FillerSet{
		Offline: fallbackFrame,
		Off:     fallbackFrame,
		Silence: AACSilence,
	}

	if resourcePath == "" {
		return fs, nil
	}

	offline, err := loadFrame(filepath.Join(resourcePath, offlineFileName))
	if err != nil {
		return nil, fmt.Errorf("load offline frame: %w", err)
	}
	if offline != nil {
		fs.Offline = offline
	}

	off, err := loadFrame(filepath.Join(resourcePath, offFileName))
	if err != nil {
		return nil, fmt.Errorf("load off frame: %w", err)
	}
	if off != nil {
		fs.Off = off
	}

	return fs, nil
}

// loadFrame reads a frame file, returning nil (no error) when it is absent
func loadFrame(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("frame file %s is empty", path)
	}
	return TrimStartCode(data), nil
}
