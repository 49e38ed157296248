package rtc

import (
	"time"

	"github.com/pion/rtp"
)

// talkbackFramer builds the outgoing RTP packets for return audio: marker
// always set, monotonic 16-bit sequence, wall-clock low 32 bits as the
// timestamp. SSRC and payload type are rewritten by the negotiated sender.
type talkbackFramer struct {
	seq uint16
}

func (f *talkbackFramer) packet(payload []byte, now time.Time) *rtp.Packet {
	f.seq++
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			SequenceNumber: f.seq,
			Timestamp:      uint32(now.UnixMilli()),
		},
		Payload: payload,
	}
}
