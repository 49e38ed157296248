package rtc

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/nest-hub-bridge/pkg/backend"
	"github.com/ethan/nest-hub-bridge/pkg/config"
	"github.com/ethan/nest-hub-bridge/pkg/framestore"
)

func newTestBackend(t *testing.T) (*Backend, *framestore.Store) {
	t.Helper()
	store := framestore.New(framestore.Config{
		TrunkMaxPackets:        100,
		DriverInterval:         time.Millisecond,
		SyntheticFrameInterval: time.Hour,
	}, nil, slog.Default())

	b, err := New(Config{
		Options: config.Default(),
		Store:   store,
	})
	require.NoError(t, err)
	return b, store
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestEstablishedMarksStoreLive(t *testing.T) {
	b, store := newTestBackend(t)
	require.Equal(t, framestore.ModeOffline, store.Mode())

	b.established("stream-1", "resolved-1")

	require.Equal(t, backend.StateConnected, b.State())
	require.Equal(t, framestore.ModeLive, store.Mode())
}

func TestFailedSessionRestoresFillerMode(t *testing.T) {
	b, store := newTestBackend(t)
	store.SetMode(framestore.ModeLive)

	// No endpoint host: the session attempt fails immediately and filler
	// injection must resume
	b.Connect()
	require.Eventually(t, func() bool {
		return b.State() == backend.StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, framestore.ModeOffline, store.Mode())
}

func TestCloseTwiceIsIdempotent(t *testing.T) {
	b, _ := newTestBackend(t)
	b.Connect()
	require.Eventually(t, func() bool {
		return b.State() == backend.StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	b.Close(false)
	b.Close(false)
	require.Equal(t, backend.StateDisconnected, b.State())
}

func TestPeerConnectionSetup(t *testing.T) {
	b, _ := newTestBackend(t)

	pc, audioTrack, err := b.newPeerConnection()
	require.NoError(t, err)
	defer pc.Close()
	require.NotNil(t, audioTrack)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	sdp := offer.SDP

	require.Contains(t, sdp, "m=audio")
	require.Contains(t, sdp, "m=video")
	require.Contains(t, sdp, "m=application")
	require.Contains(t, sdp, "a=sendrecv")
	require.Contains(t, sdp, "a=recvonly")
	require.Contains(t, sdp, "opus/48000/2")
	require.Contains(t, sdp, "H264/90000")
	require.Contains(t, sdp, "profile-level-id=4d0028")
	require.Contains(t, sdp, "a=rtcp-fb:102 nack pli")
	require.Contains(t, sdp, "a=rtcp-fb:102 ccm fir")

	// Fixed payload type assignments
	require.True(t, strings.Contains(sdp, "a=rtpmap:111 opus"))
	require.True(t, strings.Contains(sdp, "a=rtpmap:102 H264"))
}
