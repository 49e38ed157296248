package framestore

import (
	"errors"
	"fmt"
	"io"

	"github.com/ethan/nest-hub-bridge/pkg/media"
)

// ConsumerKind identifies the reader discipline of an attached consumer
type ConsumerKind int

const (
	// ConsumerBuffer shares the trunk itself (pre-record rolling buffer)
	ConsumerBuffer ConsumerKind = iota
	// ConsumerLive sees packets pushed at or after attach time
	ConsumerLive
	// ConsumerRecord sees a snapshot of the trunk, then all later packets
	ConsumerRecord
)

// String returns human-readable consumer kind
func (k ConsumerKind) String() string {
	switch k {
	case ConsumerBuffer:
		return "buffer"
	case ConsumerLive:
		return "live"
	case ConsumerRecord:
		return "record"
	default:
		return "unknown"
	}
}

// ErrDuplicateID is returned when a consumer id is already in use
var ErrDuplicateID = errors.New("consumer id already in use")

// ErrMissingSink is returned when a live/record attach lacks a sink
var ErrMissingSink = errors.New("video and audio sinks are required")

const errChanDepth = 8

type consumer struct {
	id       string
	kind     ConsumerKind
	video    io.Writer
	audio    io.Writer
	pending  []media.Packet
	errs     chan error
	talkback <-chan []byte

	// busy marks a sink write in flight; the driver skips the consumer
	// until it clears
	busy bool
}

// AttachBuffer attaches the singleton buffer consumer. Attaching twice is a
// no-op.
func (s *Store) AttachBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.consumers[BufferConsumerID]; ok {
		return
	}
	s.consumers[BufferConsumerID] = &consumer{
		id:   BufferConsumerID,
		kind: ConsumerBuffer,
		errs: make(chan error, errChanDepth),
	}
	s.logger.Info("buffer consumer attached", "trunk_len", len(s.trunk))
}

// AttachLive attaches a live consumer with tail-start semantics. The
// returned channel surfaces sink write errors; it is closed on detach.
// The optional talkback source is retrievable via TalkbackRoute.
func (s *Store) AttachLive(id string, video, audio io.Writer, talkback <-chan []byte) (<-chan error, error) {
	if video == nil || audio == nil {
		return nil, ErrMissingSink
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.consumers[id]; ok {
		return nil, fmt.Errorf("attach live %q: %w", id, ErrDuplicateID)
	}

	c := &consumer{
		id:       id,
		kind:     ConsumerLive,
		video:    video,
		audio:    audio,
		errs:     make(chan error, errChanDepth),
		talkback: talkback,
	}
	s.consumers[id] = c

	s.logger.Info("live consumer attached", "id", id, "talkback", talkback != nil)
	return c.errs, nil
}

// AttachRecord attaches a record consumer with head-start semantics: its
// pending queue is seeded with a deep copy of the current trunk, so later
// trunk eviction cannot reach into the snapshot.
func (s *Store) AttachRecord(id string, video, audio io.Writer) (<-chan error, error) {
	if video == nil || audio == nil {
		return nil, ErrMissingSink
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.consumers[id]; ok {
		return nil, fmt.Errorf("attach record %q: %w", id, ErrDuplicateID)
	}

	c := &consumer{
		id:    id,
		kind:  ConsumerRecord,
		video: video,
		audio: audio,
		errs:  make(chan error, errChanDepth),
	}
	c.pending = make([]media.Packet, 0, len(s.trunk))
	for _, p := range s.trunk {
		c.pending = append(c.pending, p.Clone())
	}
	s.consumers[id] = c

	s.logger.Info("record consumer attached", "id", id, "snapshot_len", len(c.pending))
	return c.errs, nil
}

// Detach removes a consumer. Detaching an unknown id is a no-op.
func (s *Store) Detach(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.consumers[id]
	if !ok {
		return
	}
	close(c.errs)
	delete(s.consumers, id)
	s.logger.Info("consumer detached", "id", id, "kind", c.kind.String(), "undrained", len(c.pending))
}

// TalkbackRoute returns the talkback byte source of a live consumer, if any
func (s *Store) TalkbackRoute(id string) (<-chan []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.consumers[id]
	if !ok || c.kind != ConsumerLive || c.talkback == nil {
		return nil, false
	}
	return c.talkback, true
}
