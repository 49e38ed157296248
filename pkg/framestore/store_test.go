package framestore

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/nest-hub-bridge/pkg/media"
)

// collectSink records each Write as its own slice
type collectSink struct {
	mu     sync.Mutex
	writes [][]byte
}

func (c *collectSink) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := make([]byte, len(p))
	copy(b, p)
	c.writes = append(c.writes, b)
	return len(p), nil
}

func (c *collectSink) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// failSink rejects every write
type failSink struct{}

func (failSink) Write(p []byte) (int, error) { return 0, errors.New("sink closed") }

// blockingSink parks every Write until release is closed
type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Write(p []byte) (int, error) {
	<-b.release
	return len(p), nil
}

func testFillers() *media.FillerSet {
	return &media.FillerSet{
		Offline: []byte{0x65, 0x01},
		Off:     []byte{0x65, 0x02},
		Silence: media.AACSilence,
	}
}

func newTestStore(t *testing.T, maxPackets int) *Store {
	t.Helper()
	s := New(Config{
		TrunkMaxPackets:        maxPackets,
		DriverInterval:         time.Millisecond,
		SyntheticFrameInterval: 33 * time.Millisecond,
	}, testFillers(), slog.Default())
	s.mode = ModeLive
	return s
}

// drain runs driver ticks until every consumer queue is empty and no write
// is in flight
func drain(s *Store) {
	for i := 0; i < 10000; i++ {
		s.mu.Lock()
		idle := true
		for _, c := range s.consumers {
			if len(c.pending) > 0 || c.busy {
				idle = false
			}
		}
		s.mu.Unlock()
		if idle {
			return
		}
		s.tick()
		time.Sleep(50 * time.Microsecond)
	}
}

func TestTrunkBound(t *testing.T) {
	s := newTestStore(t, 5)
	s.AttachBuffer()

	for i := 0; i < 5; i++ {
		s.Push(media.KindVideo, []byte{byte(i)})
	}
	require.Equal(t, 5, s.TrunkLen())

	// Exactly at the bound: the next push evicts exactly one oldest packet
	s.Push(media.KindVideo, []byte{99})
	require.Equal(t, 5, s.TrunkLen())
	require.Equal(t, []byte{1}, s.trunk[0].Bytes)
	require.Equal(t, []byte{99}, s.trunk[4].Bytes)
}

func TestAttachBufferIdempotent(t *testing.T) {
	s := newTestStore(t, 10)
	s.AttachBuffer()
	s.AttachBuffer()
	require.True(t, s.HasConsumers())

	s.mu.Lock()
	require.Len(t, s.consumers, 1)
	s.mu.Unlock()

	s.Detach(BufferConsumerID)
	s.Detach(BufferConsumerID)
	require.False(t, s.HasConsumers())
}

func TestLiveTailStart(t *testing.T) {
	s := newTestStore(t, 10)
	s.Push(media.KindVideo, []byte{0xAA}) // before attach

	v, a := &collectSink{}, &collectSink{}
	_, err := s.AttachLive("l1", v, a, nil)
	require.NoError(t, err)

	s.Push(media.KindVideo, []byte{0xBB})
	s.Push(media.KindAudio, []byte{0xCC})
	drain(s)

	require.Equal(t, [][]byte{{0x00, 0x00, 0x00, 0x01, 0xBB}}, v.snapshot())
	require.Equal(t, [][]byte{{0xCC}}, a.snapshot())
}

func TestRecordHeadStart(t *testing.T) {
	s := newTestStore(t, 25)
	for i := 0; i < 20; i++ {
		s.Push(media.KindVideo, []byte{byte(i)})
	}

	v, a := &collectSink{}, &collectSink{}
	_, err := s.AttachRecord("r1", v, a)
	require.NoError(t, err)

	s.Push(media.KindVideo, []byte{20})
	s.Push(media.KindVideo, []byte{21})
	drain(s)

	got := v.snapshot()
	require.Len(t, got, 22)
	for i := 0; i < 22; i++ {
		require.Equal(t, append([]byte{0x00, 0x00, 0x00, 0x01}, byte(i)), got[i], "packet %d", i)
	}
	require.Empty(t, a.snapshot())
}

func TestRecordSnapshotSurvivesEviction(t *testing.T) {
	s := newTestStore(t, 3)
	s.Push(media.KindVideo, []byte{1})
	s.Push(media.KindVideo, []byte{2})
	s.Push(media.KindVideo, []byte{3})

	v, a := &collectSink{}, &collectSink{}
	_, err := s.AttachRecord("r1", v, a)
	require.NoError(t, err)

	// Evict the whole pre-attach trunk
	s.Push(media.KindVideo, []byte{4})
	s.Push(media.KindVideo, []byte{5})
	s.Push(media.KindVideo, []byte{6})
	drain(s)

	got := v.snapshot()
	require.Len(t, got, 6)
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x01}, got[0])
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x06}, got[5])
}

func TestNoDoubleStartCode(t *testing.T) {
	s := newTestStore(t, 10)
	v, a := &collectSink{}, &collectSink{}
	_, err := s.AttachLive("l1", v, a, nil)
	require.NoError(t, err)

	prefixed := []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42}
	s.Push(media.KindVideo, prefixed)
	drain(s)

	require.Equal(t, [][]byte{prefixed}, v.snapshot())
}

func TestDuplicateConsumerID(t *testing.T) {
	s := newTestStore(t, 10)
	v, a := &collectSink{}, &collectSink{}

	_, err := s.AttachLive("x", v, a, nil)
	require.NoError(t, err)

	_, err = s.AttachLive("x", v, a, nil)
	require.ErrorIs(t, err, ErrDuplicateID)

	_, err = s.AttachRecord("x", v, a)
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestMissingSinkRejected(t *testing.T) {
	s := newTestStore(t, 10)
	_, err := s.AttachLive("x", nil, &collectSink{}, nil)
	require.ErrorIs(t, err, ErrMissingSink)
	_, err = s.AttachRecord("x", &collectSink{}, nil)
	require.ErrorIs(t, err, ErrMissingSink)
	require.False(t, s.HasConsumers())
}

func TestSinkErrorSurfacedAndConsumerStaysAttached(t *testing.T) {
	s := newTestStore(t, 10)
	a := &collectSink{}
	errs, err := s.AttachLive("l1", failSink{}, a, nil)
	require.NoError(t, err)

	s.Push(media.KindVideo, []byte{0x01})
	s.Push(media.KindAudio, []byte{0x02})
	drain(s)

	select {
	case e := <-errs:
		require.Error(t, e)
	default:
		t.Fatal("expected a sink error on the consumer error channel")
	}

	// Still attached; audio keeps flowing
	require.True(t, s.HasConsumers())
	require.Equal(t, [][]byte{{0x02}}, a.snapshot())
}

func TestBlockedSinkDoesNotStallOtherConsumers(t *testing.T) {
	s := newTestStore(t, 100)

	stuck := &blockingSink{release: make(chan struct{})}
	_, err := s.AttachLive("stuck", stuck, stuck, nil)
	require.NoError(t, err)

	v, a := &collectSink{}, &collectSink{}
	_, err = s.AttachLive("fast", v, a, nil)
	require.NoError(t, err)

	s.Start()
	defer s.Stop()
	defer close(stuck.release)

	s.Push(media.KindVideo, []byte{0x01})
	s.Push(media.KindVideo, []byte{0x02})
	s.Push(media.KindAudio, []byte{0x03})

	// The fast consumer drains fully while the stuck one sits on its first
	// write
	require.Eventually(t, func() bool {
		return len(v.snapshot()) == 2 && len(a.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	s.mu.Lock()
	stuckBusy := s.consumers["stuck"].busy
	s.mu.Unlock()
	require.True(t, stuckBusy)
}

func TestSyntheticInjectionOffline(t *testing.T) {
	s := newTestStore(t, 10)
	s.SetMode(ModeOffline)

	v, a := &collectSink{}, &collectSink{}
	_, err := s.AttachLive("l1", v, a, nil)
	require.NoError(t, err)

	s.tick() // injects one offline frame + one silence frame
	drain(s)

	require.Equal(t, [][]byte{{0x00, 0x00, 0x00, 0x01, 0x65, 0x01}}, v.snapshot())
	require.Equal(t, [][]byte{media.AACSilence}, a.snapshot())

	// Cadence not yet elapsed: an immediate tick injects nothing new
	s.tick()
	drain(s)
	require.Len(t, v.snapshot(), 1)

	// After the interval, a second fill arrives
	time.Sleep(40 * time.Millisecond)
	s.tick()
	drain(s)
	require.Len(t, v.snapshot(), 2)
}

func TestSyntheticUsesOffFrameWhenDisallowed(t *testing.T) {
	s := newTestStore(t, 10)
	s.SetMode(ModeOff)

	v, a := &collectSink{}, &collectSink{}
	_, err := s.AttachLive("l1", v, a, nil)
	require.NoError(t, err)

	s.tick()
	drain(s)
	require.Equal(t, [][]byte{{0x00, 0x00, 0x00, 0x01, 0x65, 0x02}}, v.snapshot())
	require.Len(t, a.snapshot(), 1)
}

func TestTalkbackRoute(t *testing.T) {
	s := newTestStore(t, 10)
	src := make(chan []byte)
	_, err := s.AttachLive("l1", &collectSink{}, &collectSink{}, src)
	require.NoError(t, err)

	got, ok := s.TalkbackRoute("l1")
	require.True(t, ok)
	require.Equal(t, (<-chan []byte)(src), got)

	_, ok = s.TalkbackRoute("nope")
	require.False(t, ok)

	_, err = s.AttachRecord("r1", &collectSink{}, &collectSink{})
	require.NoError(t, err)
	_, ok = s.TalkbackRoute("r1")
	require.False(t, ok)
}

func TestDriverLifecycle(t *testing.T) {
	s := newTestStore(t, 10)
	s.Start()

	v, a := &collectSink{}, &collectSink{}
	_, err := s.AttachLive("l1", v, a, nil)
	require.NoError(t, err)

	s.Push(media.KindVideo, []byte{0x11})
	require.Eventually(t, func() bool {
		return len(v.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	require.False(t, s.HasConsumers())
}

func TestOrderingPerKind(t *testing.T) {
	s := newTestStore(t, 100)
	v, a := &collectSink{}, &collectSink{}
	_, err := s.AttachLive("l1", v, a, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		s.Push(media.KindVideo, []byte{byte(i)})
		s.Push(media.KindAudio, []byte{byte(100 + i)})
	}
	drain(s)

	vids, auds := v.snapshot(), a.snapshot()
	require.Len(t, vids, 10)
	require.Len(t, auds, 10)
	for i := 0; i < 10; i++ {
		require.Equal(t, byte(i), vids[i][4])
		require.Equal(t, byte(100+i), auds[i][0])
	}
}
