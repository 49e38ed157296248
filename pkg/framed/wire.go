// Package framed implements the camera backend speaking the proprietary
// length-prefixed TLS protocol: typed records carrying schema-encoded
// payloads over a single long-lived connection.
package framed

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType is the one-byte record tag on the wire
type PacketType uint8

const (
	TypePing               PacketType = 1
	TypeHello              PacketType = 100
	TypePingCamera         PacketType = 101
	TypeAudioPayload       PacketType = 102
	TypeStartPlayback      PacketType = 103
	TypeStopPlayback       PacketType = 104
	TypeClockSyncEcho      PacketType = 105
	TypeAuthorizeRequest   PacketType = 106
	TypeOk                 PacketType = 200
	TypeError              PacketType = 201
	TypePlaybackBegin      PacketType = 202
	TypePlaybackEnd        PacketType = 203
	TypePlaybackPacket     PacketType = 204
	TypeLongPlaybackPacket PacketType = 205
	TypeClockSync          PacketType = 206
	TypeRedirect           PacketType = 207
	TypeTalkbackBegin      PacketType = 208
	TypeTalkbackEnd        PacketType = 209
)

// String returns human-readable packet type
func (t PacketType) String() string {
	switch t {
	case TypePing:
		return "ping"
	case TypeHello:
		return "hello"
	case TypePingCamera:
		return "ping_camera"
	case TypeAudioPayload:
		return "audio_payload"
	case TypeStartPlayback:
		return "start_playback"
	case TypeStopPlayback:
		return "stop_playback"
	case TypeClockSyncEcho:
		return "clock_sync_echo"
	case TypeAuthorizeRequest:
		return "authorize_request"
	case TypeOk:
		return "ok"
	case TypeError:
		return "error"
	case TypePlaybackBegin:
		return "playback_begin"
	case TypePlaybackEnd:
		return "playback_end"
	case TypePlaybackPacket:
		return "playback_packet"
	case TypeLongPlaybackPacket:
		return "long_playback_packet"
	case TypeClockSync:
		return "clock_sync"
	case TypeRedirect:
		return "redirect"
	case TypeTalkbackBegin:
		return "talkback_begin"
	case TypeTalkbackEnd:
		return "talkback_end"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

const (
	// maxStandardPayload is the largest payload a 2-byte length can carry
	maxStandardPayload = 0xFFFF

	// maxLongPayload guards against corrupt 4-byte lengths
	maxLongPayload = 8 << 20
)

// Record is one framed message: a type tag plus an opaque payload
type Record struct {
	Type    PacketType
	Payload []byte
}

// EncodeRecord serializes a record. All types use a 2-byte big-endian
// length except the long playback packet, which uses 4 bytes. A playback
// packet whose payload exceeds the 2-byte range is promoted to the long
// form automatically.
func EncodeRecord(r Record) ([]byte, error) {
	t := r.Type
	if t == TypePlaybackPacket && len(r.Payload) > maxStandardPayload {
		t = TypeLongPlaybackPacket
	}

	if t == TypeLongPlaybackPacket {
		if len(r.Payload) > maxLongPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", len(r.Payload))
		}
		buf := make([]byte, 5+len(r.Payload))
		buf[0] = byte(t)
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(r.Payload)))
		copy(buf[5:], r.Payload)
		return buf, nil
	}

	if len(r.Payload) > maxStandardPayload {
		return nil, fmt.Errorf("payload too large for %s record: %d bytes", t.String(), len(r.Payload))
	}
	buf := make([]byte, 3+len(r.Payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(r.Payload)))
	copy(buf[3:], r.Payload)
	return buf, nil
}

// ReadRecord reads one record from the stream
func ReadRecord(r *bufio.Reader) (Record, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return Record{}, err
	}

	t := PacketType(tag)
	var length int
	if t == TypeLongPlaybackPacket {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return Record{}, fmt.Errorf("read long length: %w", err)
		}
		length = int(binary.BigEndian.Uint32(hdr[:]))
		if length > maxLongPayload {
			return Record{}, fmt.Errorf("long payload length %d exceeds limit", length)
		}
	} else {
		var hdr [2]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return Record{}, fmt.Errorf("read length: %w", err)
		}
		length = int(binary.BigEndian.Uint16(hdr[:]))
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Record{}, fmt.Errorf("read payload: %w", err)
	}

	return Record{Type: t, Payload: payload}, nil
}
