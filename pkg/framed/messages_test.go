package framed

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHelloRoundTrip(t *testing.T) {
	in := Hello{
		ProtocolVersion:  3,
		UUID:             "5f8c9c2e-1111-2222-3333-444455556666",
		RequireConnected: true,
		SessionToken:     "tok-abc",
		DeviceID:         "cam-01",
		UserAgent:        "nest-hub-bridge/1.0",
		ClientType:       2,
		Authorize:        &AuthorizeRequest{OliveToken: "olive-xyz"},
	}

	var out Hello
	require.NoError(t, out.Unmarshal(in.Marshal()))
	require.Equal(t, in, out)
}

func TestMessageRoundTrips(t *testing.T) {
	type roundTripper interface {
		Marshal() []byte
		Unmarshal([]byte) error
	}

	tests := []struct {
		name string
		in   roundTripper
		out  roundTripper
	}{
		{"authorize", &AuthorizeRequest{SessionToken: "s", OliveToken: "o"}, &AuthorizeRequest{}},
		{"start_playback", &StartPlayback{SessionID: 777, Profile: ProfileVideoH264L40, OtherProfiles: []uint32{ProfileAudioAAC, ProfileAudioOpus}}, &StartPlayback{}},
		{"stop_playback", &StopPlayback{SessionID: 777}, &StopPlayback{}},
		{"audio_payload", &AudioPayload{Payload: []byte{1, 2, 3}, SessionID: 9, Codec: CodecSpeex, SampleRate: 16000}, &AudioPayload{}},
		{"error", &ErrorMsg{Code: ErrCodeAuthorizationFailed, Message: "expired"}, &ErrorMsg{}},
		{"playback_begin", &PlaybackBegin{SessionID: 777, Channels: []ChannelProfile{
			{ChannelID: 1, CodecType: CodecH264},
			{ChannelID: 2, CodecType: CodecAAC, SampleRate: 48000},
		}}, &PlaybackBegin{}},
		{"playback_end", &PlaybackEnd{SessionID: 777, Reason: ReasonSessionComplete}, &PlaybackEnd{}},
		{"playback_packet", &PlaybackPacket{SessionID: 777, ChannelID: 1, TimestampDelta: -40, Payload: []byte{0x65, 0x88}}, &PlaybackPacket{}},
		{"clock_sync", &ClockSync{SessionID: 777, Time: 1724659200123}, &ClockSync{}},
		{"redirect", &Redirect{NewHost: "oculus-stream-002.dropcam.com", IsTranscode: true}, &Redirect{}},
		{"talkback_begin", &TalkbackBegin{UserID: "user.1", SessionID: 777, DeviceID: "cam-01"}, &TalkbackBegin{}},
		{"talkback_end", &TalkbackEnd{UserID: "user.1", SessionID: 777, DeviceID: "cam-01"}, &TalkbackEnd{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.out.Unmarshal(tt.in.Marshal()))
			require.Equal(t, tt.in, tt.out)
		})
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	// session_id=5 followed by an unknown field 15 (varint)
	payload := []byte{0x08, 0x05, 0x78, 0x2A}
	var m StopPlayback
	require.NoError(t, m.Unmarshal(payload))
	require.Equal(t, uint32(5), m.SessionID)
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	full := (&ErrorMsg{Code: 3, Message: "authorization failed"}).Marshal()
	var m ErrorMsg
	require.Error(t, m.Unmarshal(full[:len(full)-4]))
}

func TestOkEmptyPayload(t *testing.T) {
	var m Ok
	require.NoError(t, m.Unmarshal(nil))
	require.Zero(t, m.UDPPort)
}
