// Package framestore holds the per-device rolling media buffer and fans it
// out to any number of buffer, live, and record consumers on a steady cadence.
package framestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethan/nest-hub-bridge/pkg/media"
)

// Mode reflects the device's ability to deliver real media
type Mode int

const (
	// ModeLive means real packets are expected from the backend
	ModeLive Mode = iota
	// ModeOff means the owner disabled streaming; the "off" frame is injected
	ModeOff
	// ModeOffline means the device is unreachable; the "offline" frame is injected
	ModeOffline
)

// String returns human-readable mode
func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeOff:
		return "off"
	case ModeOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// BufferConsumerID is the fixed id of the singleton buffer consumer
const BufferConsumerID = "buffer"

// Config holds store tunables
type Config struct {
	TrunkMaxPackets        int
	DriverInterval         time.Duration
	SyntheticFrameInterval time.Duration
}

// Store is one device's rolling buffer (the trunk) plus its consumer set.
// A single driver goroutine injects synthetic media, enforces the trunk
// bound, and drains each consumer's pending queue toward its sinks.
type Store struct {
	logger  *slog.Logger
	cfg     Config
	fillers *media.FillerSet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	trunk         []media.Packet
	consumers     map[string]*consumer
	mode          Mode
	lastVideoPush time.Time

	// Statistics
	statsMu        sync.Mutex
	packetsPushed  uint64
	fillsInjected  uint64
	packetsWritten uint64
	writeErrors    uint64
}

// New creates a store. Start must be called before packets flow.
func New(cfg Config, fillers *media.FillerSet, logger *slog.Logger) *Store {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.DriverInterval <= 0 {
		cfg.DriverInterval = 4 * time.Millisecond
	}
	if cfg.SyntheticFrameInterval < 33*time.Millisecond {
		cfg.SyntheticFrameInterval = 33 * time.Millisecond
	}
	if cfg.TrunkMaxPackets <= 0 {
		cfg.TrunkMaxPackets = 1250
	}

	return &Store{
		logger:    logger.With("component", "framestore"),
		cfg:       cfg,
		fillers:   fillers,
		ctx:       ctx,
		cancel:    cancel,
		consumers: make(map[string]*consumer),
		mode:      ModeOffline,
	}
}

// Start begins the driver goroutine
func (s *Store) Start() {
	s.wg.Add(1)
	go s.driverLoop()
}

// Stop halts the driver and closes every consumer error channel
func (s *Store) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.consumers {
		close(c.errs)
		delete(s.consumers, id)
	}
}

// SetMode updates the synthetic-injection mode
func (s *Store) SetMode(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != mode {
		s.logger.Info("store mode changed", "from", s.mode.String(), "to", mode.String())
		s.mode = mode
	}
}

// Push appends one packet to the trunk and to every live/record consumer's
// pending queue, then enforces the trunk bound. It returns immediately.
func (s *Store) Push(kind media.Kind, data []byte) {
	s.mu.Lock()
	s.pushLocked(media.Packet{Kind: kind, Bytes: data})
	s.mu.Unlock()

	s.statsMu.Lock()
	s.packetsPushed++
	s.statsMu.Unlock()
}

func (s *Store) pushLocked(p media.Packet) {
	s.trunk = append(s.trunk, p)
	s.trimTrunkLocked()

	for _, c := range s.consumers {
		if c.kind == ConsumerBuffer {
			continue // buffer consumers share the trunk
		}
		c.pending = append(c.pending, p)
	}

	if p.Kind == media.KindVideo {
		s.lastVideoPush = time.Now()
	}
}

func (s *Store) trimTrunkLocked() {
	if over := len(s.trunk) - s.cfg.TrunkMaxPackets; over > 0 {
		s.trunk = append(s.trunk[:0:0], s.trunk[over:]...)
	}
}

// driverLoop is the store's single drain goroutine. It runs on a fast
// cadence so that synthetic fill, trunk trimming, and consumer writes stay
// uniform whether or not real packets are arriving.
func (s *Store) driverLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DriverInterval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(30 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		case <-statsTicker.C:
			s.logStats()
		}
	}
}

// tick performs one driver pass: synthetic injection, trunk trim, and one
// pending write per consumer
func (s *Store) tick() {
	s.mu.Lock()

	s.injectSyntheticLocked()
	s.trimTrunkLocked()

	// Each consumer gets at most one write in flight, performed off the
	// driver goroutine, so a slow or blocked sink only stalls its own
	// consumer and never the driver or its peers.
	type write struct {
		c *consumer
		p media.Packet
	}
	var writes []write
	for _, c := range s.consumers {
		if c.kind == ConsumerBuffer || c.busy || len(c.pending) == 0 {
			continue
		}
		p := c.pending[0]
		c.pending = append(c.pending[:0:0], c.pending[1:]...)
		c.busy = true
		writes = append(writes, write{c: c, p: p})
	}
	s.mu.Unlock()

	for _, w := range writes {
		go func(c *consumer, p media.Packet) {
			s.deliver(c, p)
			s.mu.Lock()
			c.busy = false
			s.mu.Unlock()
		}(w.c, w.p)
	}
}

// injectSyntheticLocked pushes one filler video frame plus one silence frame
// when the device cannot deliver real media and the cadence has elapsed
func (s *Store) injectSyntheticLocked() {
	if s.mode == ModeLive || s.fillers == nil {
		return
	}
	if time.Since(s.lastVideoPush) < s.cfg.SyntheticFrameInterval {
		return
	}

	frame := s.fillers.Offline
	if s.mode == ModeOff {
		frame = s.fillers.Off
	}

	s.pushLocked(media.Packet{Kind: media.KindVideo, Bytes: frame})
	s.pushLocked(media.Packet{Kind: media.KindAudio, Bytes: s.fillers.Silence})

	s.statsMu.Lock()
	s.fillsInjected++
	s.statsMu.Unlock()
}

// deliver writes one packet to the matching sink, prepending the NAL start
// code for video. Write errors are swallowed per-write and surfaced on the
// consumer's error channel while it remains attached.
func (s *Store) deliver(c *consumer, p media.Packet) {
	var sink = c.audio
	data := p.Bytes
	if p.Kind == media.KindVideo {
		sink = c.video
		data = media.EnsureStartCode(data)
	}

	if _, err := sink.Write(data); err != nil {
		s.statsMu.Lock()
		s.writeErrors++
		s.statsMu.Unlock()

		// Detach closes errs under the same lock, so the attached check
		// makes the send safe against a concurrent detach
		s.mu.Lock()
		if s.consumers[c.id] == c {
			select {
			case c.errs <- fmt.Errorf("%s sink write: %w", p.Kind.String(), err):
			default:
			}
		}
		s.mu.Unlock()
		return
	}

	s.statsMu.Lock()
	s.packetsWritten++
	s.statsMu.Unlock()
}

func (s *Store) logStats() {
	s.mu.Lock()
	trunkLen := len(s.trunk)
	consumers := len(s.consumers)
	s.mu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	s.logger.Debug("store statistics",
		"trunk_len", trunkLen,
		"consumers", consumers,
		"packets_pushed", s.packetsPushed,
		"fills_injected", s.fillsInjected,
		"packets_written", s.packetsWritten,
		"write_errors", s.writeErrors)
}

// Mode reports the current synthetic-injection mode
func (s *Store) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// TrunkLen reports the current trunk length
func (s *Store) TrunkLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trunk)
}

// HasConsumers reports whether any consumer is attached
func (s *Store) HasConsumers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers) > 0
}
