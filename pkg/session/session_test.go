package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/nest-hub-bridge/pkg/backend"
	"github.com/ethan/nest-hub-bridge/pkg/config"
	"github.com/ethan/nest-hub-bridge/pkg/framestore"
)

type fakeBackend struct {
	mu       sync.Mutex
	state    backend.State
	connects int
	closes   []bool
	updates  []backend.DeviceState
	talk     [][]byte
}

func (f *fakeBackend) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.state = backend.StateConnected
}

func (f *fakeBackend) Close(stopStreamFirst bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, stopStreamFirst)
	f.state = backend.StateDisconnected
}

func (f *fakeBackend) Update(state backend.DeviceState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, state)
}

func (f *fakeBackend) SendTalkback(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.talk = append(f.talk, append([]byte{}, data...))
	return nil
}

func (f *fakeBackend) State() backend.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeBackend) talkSnapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.talk))
	copy(out, f.talk)
	return out
}

func (f *fakeBackend) counts() (connects, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, len(f.closes)
}

type nopSink struct{}

func (nopSink) Write(p []byte) (int, error) { return len(p), nil }

func newTestSession(t *testing.T) (*Session, *fakeBackend) {
	t.Helper()
	opts := config.Default()
	opts.DriverInterval = time.Millisecond
	opts.TalkbackSilence = 30 * time.Millisecond

	fake := &fakeBackend{}
	s, err := New(Config{
		Options: opts,
		NewBackend: func(store *framestore.Store) (backend.Backend, error) {
			return fake, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	s.Update(backend.DeviceState{
		DeviceID:         "cam-01",
		Online:           true,
		StreamingAllowed: true,
		AudioAllowed:     true,
	})
	return s, fake
}

func TestBackendOpensOnFirstConsumerClosesOnLast(t *testing.T) {
	s, fake := newTestSession(t)

	require.NoError(t, s.StartBuffer())
	connects, closes := fake.counts()
	require.Equal(t, 1, connects)
	require.Zero(t, closes)

	require.NoError(t, s.StartLive("live-1", nopSink{}, nopSink{}, nil))

	// A consumer remains after stopping live, backend stays open
	s.StopLive("live-1")
	_, closes = fake.counts()
	require.Zero(t, closes)

	s.StopBuffer()
	_, closes = fake.counts()
	require.Equal(t, 1, closes)
}

func TestUpdateAppliesStreamingPolicy(t *testing.T) {
	s, fake := newTestSession(t)
	require.NoError(t, s.StartBuffer())

	s.Update(backend.DeviceState{DeviceID: "cam-01", Online: false})
	require.Equal(t, backend.StateDisconnected, fake.State())
	require.Equal(t, framestore.ModeOffline, s.Store().Mode())

	s.Update(backend.DeviceState{DeviceID: "cam-01", Online: true, StreamingAllowed: false})
	require.Equal(t, framestore.ModeOff, s.Store().Mode())
	_, closes := fake.counts()
	require.Equal(t, 2, closes)

	s.Update(backend.DeviceState{
		DeviceID: "cam-01", Online: true, StreamingAllowed: true, AudioAllowed: true,
	})
	require.Equal(t, backend.StateConnected, fake.State())
}

func TestAudioDisallowedClosesBackend(t *testing.T) {
	s, fake := newTestSession(t)
	require.NoError(t, s.StartBuffer())

	s.Update(backend.DeviceState{
		DeviceID: "cam-01", Online: true, StreamingAllowed: true, AudioAllowed: false,
	})
	_, closes := fake.counts()
	require.Equal(t, 1, closes)
}

func TestTalkbackPumpSilenceTerminator(t *testing.T) {
	s, fake := newTestSession(t)

	src := make(chan []byte)
	require.NoError(t, s.StartLive("live-1", nopSink{}, nopSink{}, src))

	src <- []byte{0x01}
	src <- []byte{0x02}

	// One terminator after the silence window, and only one
	require.Eventually(t, func() bool {
		talk := fake.talkSnapshot()
		return len(talk) == 3 && len(talk[2]) == 0
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.Len(t, fake.talkSnapshot(), 3)

	// A new utterance re-arms the window
	src <- []byte{0x03}
	require.Eventually(t, func() bool {
		talk := fake.talkSnapshot()
		return len(talk) == 5 && len(talk[4]) == 0
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []byte{0x01}, fake.talkSnapshot()[0])
	require.Equal(t, []byte{0x03}, fake.talkSnapshot()[3])
}

func TestStopLiveEndsPump(t *testing.T) {
	s, fake := newTestSession(t)

	src := make(chan []byte)
	require.NoError(t, s.StartLive("live-1", nopSink{}, nopSink{}, src))

	src <- []byte{0x01}
	s.StopLive("live-1")

	// An in-flight utterance is terminated on detach
	require.Eventually(t, func() bool {
		talk := fake.talkSnapshot()
		return len(talk) == 2 && len(talk[1]) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDuplicateLiveIDRejected(t *testing.T) {
	s, _ := newTestSession(t)

	require.NoError(t, s.StartLive("x", nopSink{}, nopSink{}, nil))
	require.ErrorIs(t, s.StartLive("x", nopSink{}, nopSink{}, nil), framestore.ErrDuplicateID)
}
