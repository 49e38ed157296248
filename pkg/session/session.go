// Package session ties one device's backend and frame store together and
// applies the consumer lifecycle policy: the backend is opened when the
// first consumer attaches and the device allows streaming, and closed when
// the last consumer detaches.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethan/nest-hub-bridge/pkg/backend"
	"github.com/ethan/nest-hub-bridge/pkg/config"
	"github.com/ethan/nest-hub-bridge/pkg/framestore"
	"github.com/ethan/nest-hub-bridge/pkg/logger"
	"github.com/ethan/nest-hub-bridge/pkg/media"
)

// BackendFactory builds the backend flavor for a device. Which flavor is
// used (framed or rtc) is a deployment decision.
type BackendFactory func(store *framestore.Store) (backend.Backend, error)

// Config wires a session
type Config struct {
	Options    *config.Options
	Logger     *logger.Logger
	Fillers    *media.FillerSet
	NewBackend BackendFactory
}

// Session owns exactly one backend and one frame store for one device
type Session struct {
	logger     *logger.Logger
	opts       *config.Options
	store      *framestore.Store
	newBackend BackendFactory

	mu      sync.Mutex
	backend backend.Backend
	device  backend.DeviceState
	pumps   map[string]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// New creates a session and starts its frame store driver
func New(cfg Config) (*Session, error) {
	if cfg.Options == nil || cfg.NewBackend == nil {
		return nil, fmt.Errorf("session: %w: options and backend factory are required", backend.ErrInvalidArgument)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	store := framestore.New(framestore.Config{
		TrunkMaxPackets:        cfg.Options.TrunkMaxPackets,
		DriverInterval:         cfg.Options.DriverInterval,
		SyntheticFrameInterval: cfg.Options.SyntheticFrameInterval,
	}, cfg.Fillers, cfg.Logger.Logger)
	store.Start()

	return &Session{
		logger:     cfg.Logger.With("component", "session"),
		opts:       cfg.Options,
		store:      store,
		newBackend: cfg.NewBackend,
		pumps:      make(map[string]context.CancelFunc),
	}, nil
}

// Store exposes the session's frame store
func (s *Session) Store() *framestore.Store {
	return s.store
}

// Update applies a fresh device state: the synthetic mode follows the
// device's ability to stream, and the backend is opened or closed per the
// streaming policy.
func (s *Session) Update(state backend.DeviceState) {
	s.mu.Lock()
	s.device = state
	be := s.backend
	s.mu.Unlock()

	switch {
	case !state.Online:
		s.store.SetMode(framestore.ModeOffline)
	case !state.StreamingAllowed:
		s.store.SetMode(framestore.ModeOff)
	}

	if be == nil {
		return
	}
	be.Update(state)

	if !state.Online || !state.StreamingAllowed || !state.AudioAllowed {
		be.Close(false)
		return
	}
	if s.store.HasConsumers() {
		be.Connect()
	}
}

// StartBuffer attaches the pre-record buffer consumer and opens the backend
func (s *Session) StartBuffer() error {
	s.store.AttachBuffer()
	return s.ensureBackend()
}

// StopBuffer detaches the buffer consumer
func (s *Session) StopBuffer() {
	s.store.Detach(framestore.BufferConsumerID)
	s.closeIfIdle()
}

// StartLive attaches a live consumer. The optional talkback source is
// pumped into the backend; after the configured silence window a
// zero-length terminator is delivered once.
func (s *Session) StartLive(id string, video, audio io.Writer, talkback <-chan []byte) error {
	errs, err := s.store.AttachLive(id, video, audio, talkback)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go s.drainSinkErrors(id, errs)

	if talkback != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.pumps[id] = cancel
		s.mu.Unlock()

		s.wg.Add(1)
		go s.talkbackPump(ctx, id, talkback)
	}

	return s.ensureBackend()
}

// StopLive detaches a live consumer and stops its talkback pump
func (s *Session) StopLive(id string) {
	s.mu.Lock()
	if cancel, ok := s.pumps[id]; ok {
		cancel()
		delete(s.pumps, id)
	}
	s.mu.Unlock()

	s.store.Detach(id)
	s.closeIfIdle()
}

// StartRecord attaches a record consumer with the trunk snapshot head start
func (s *Session) StartRecord(id string, video, audio io.Writer) error {
	errs, err := s.store.AttachRecord(id, video, audio)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go s.drainSinkErrors(id, errs)
	return s.ensureBackend()
}

// StopRecord detaches a record consumer
func (s *Session) StopRecord(id string) {
	s.store.Detach(id)
	s.closeIfIdle()
}

// Close tears the whole session down
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	be := s.backend
	s.backend = nil
	for id, cancel := range s.pumps {
		cancel()
		delete(s.pumps, id)
	}
	s.mu.Unlock()

	if be != nil {
		be.Close(true)
	}
	s.store.Stop()
	s.wg.Wait()
}

// ensureBackend lazily builds the backend on first use and opens it when
// the device state allows streaming
func (s *Session) ensureBackend() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	if s.backend == nil {
		be, err := s.newBackend(s.store)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("build backend: %w", err)
		}
		s.backend = be
		be.Update(s.device)
	}
	be := s.backend
	device := s.device
	s.mu.Unlock()

	if device.Online && device.StreamingAllowed {
		be.Connect()
	}
	return nil
}

// closeIfIdle closes the backend once the last consumer detaches
func (s *Session) closeIfIdle() {
	if s.store.HasConsumers() {
		return
	}

	s.mu.Lock()
	be := s.backend
	s.mu.Unlock()

	if be != nil {
		s.logger.Info("no consumers remain, closing backend")
		be.Close(true)
	}
}

// drainSinkErrors logs consumer sink write errors until detach closes the
// channel
func (s *Session) drainSinkErrors(id string, errs <-chan error) {
	defer s.wg.Done()
	for err := range errs {
		s.logger.Warn("consumer sink error", "id", id, "error", err)
	}
}

// talkbackPump forwards talkback bytes to the backend. After the silence
// window elapses with no bytes, one zero-length terminator is sent; the
// next chunk re-arms the window.
func (s *Session) talkbackPump(ctx context.Context, id string, src <-chan []byte) {
	defer s.wg.Done()

	// Armed only while an utterance is in flight
	timer := time.NewTimer(s.opts.TalkbackSilence)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	active := false
	terminate := func() {
		if !active {
			return
		}
		active = false
		if err := s.sendTalkback(nil); err != nil {
			s.logger.DebugTalkback("talkback terminator failed", "id", id, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			terminate()
			return

		case data, ok := <-src:
			if !ok {
				terminate()
				return
			}
			if len(data) == 0 {
				continue
			}
			if err := s.sendTalkback(data); err != nil {
				s.logger.DebugTalkback("talkback send failed", "id", id, "error", err)
			}
			active = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.opts.TalkbackSilence)

		case <-timer.C:
			terminate()
		}
	}
}

func (s *Session) sendTalkback(data []byte) error {
	s.mu.Lock()
	be := s.backend
	s.mu.Unlock()
	if be == nil {
		return backend.ErrNotConnected
	}
	return be.SendTalkback(data)
}
