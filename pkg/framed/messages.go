package framed

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Codec tags advertised by playback channels and audio payloads
type Codec uint32

const (
	CodecSpeex    Codec = 0
	CodecPCMS16LE Codec = 1
	CodecH264     Codec = 2
	CodecAAC      Codec = 3
	CodecOpus     Codec = 4
	CodecMeta     Codec = 5
)

// String returns human-readable codec tag
func (c Codec) String() string {
	switch c {
	case CodecSpeex:
		return "speex"
	case CodecPCMS16LE:
		return "pcm_s16_le"
	case CodecH264:
		return "h264"
	case CodecAAC:
		return "aac"
	case CodecOpus:
		return "opus"
	case CodecMeta:
		return "meta"
	default:
		return fmt.Sprintf("codec(%d)", uint32(c))
	}
}

// Playback profiles requested in StartPlayback
const (
	ProfileAudioAAC        = 3
	ProfileAudioSpeex      = 4
	ProfileAudioOpus       = 5
	ProfileVideoH264L31    = 11
	ProfileVideoH264L40    = 13
	ProfileAVMain1         = 2
)

// Error codes carried by Error records
const (
	ErrCodeCameraNotConnected  = 1
	ErrCodeIllegalPacket       = 2
	ErrCodeAuthorizationFailed = 3
	ErrCodeNoTranscoder        = 4
	ErrCodeInternal            = 5
)

// PlaybackEnd reasons
const (
	ReasonUserEnded            = 0
	ReasonTimeNotAvailable     = 1
	ReasonProfileNotAvailable  = 2
	ReasonTranscodeNotAvailable = 3
	ReasonSessionComplete      = 128
)

// talkback audio parameters for the framed wire
const (
	TalkbackCodec      = CodecSpeex
	TalkbackSampleRate = 16000
)

// Hello opens a session after the TLS handshake. The credential shape
// depends on the auth kind: a session token rides in SessionToken, an
// oauth2 token rides inside the embedded AuthorizeRequest.
type Hello struct {
	ProtocolVersion  uint32
	UUID             string
	RequireConnected bool
	SessionToken     string
	IsCamera         bool
	DeviceID         string
	UserAgent        string
	ClientType       uint32
	Authorize        *AuthorizeRequest
}

// Marshal encodes the message to its wire payload
func (m *Hello) Marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, m.ProtocolVersion)
	b = appendString(b, 2, m.UUID)
	b = appendBool(b, 3, m.RequireConnected)
	b = appendString(b, 4, m.SessionToken)
	b = appendBool(b, 5, m.IsCamera)
	b = appendString(b, 6, m.DeviceID)
	b = appendString(b, 7, m.UserAgent)
	b = appendUint32(b, 8, m.ClientType)
	if m.Authorize != nil {
		b = appendBytes(b, 9, m.Authorize.Marshal())
	}
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *Hello) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.ProtocolVersion = uint32(val.varint)
		case 2:
			m.UUID = string(val.bytes)
		case 3:
			m.RequireConnected = val.varint != 0
		case 4:
			m.SessionToken = string(val.bytes)
		case 5:
			m.IsCamera = val.varint != 0
		case 6:
			m.DeviceID = string(val.bytes)
		case 7:
			m.UserAgent = string(val.bytes)
		case 8:
			m.ClientType = uint32(val.varint)
		case 9:
			m.Authorize = &AuthorizeRequest{}
			return m.Authorize.Unmarshal(val.bytes)
		}
		return nil
	})
}

// AuthorizeRequest re-authenticates an established session without a
// full Hello
type AuthorizeRequest struct {
	SessionToken string
	OliveToken   string
}

// Marshal encodes the message to its wire payload
func (m *AuthorizeRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.SessionToken)
	b = appendString(b, 2, m.OliveToken)
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *AuthorizeRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.SessionToken = string(val.bytes)
		case 2:
			m.OliveToken = string(val.bytes)
		}
		return nil
	})
}

// StartPlayback asks the remote to begin streaming a profile set
type StartPlayback struct {
	SessionID     uint32
	Profile       uint32
	OtherProfiles []uint32
}

// Marshal encodes the message to its wire payload
func (m *StartPlayback) Marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, m.SessionID)
	b = appendUint32(b, 2, m.Profile)
	for _, p := range m.OtherProfiles {
		b = appendUint32(b, 3, p)
	}
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *StartPlayback) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.SessionID = uint32(val.varint)
		case 2:
			m.Profile = uint32(val.varint)
		case 3:
			m.OtherProfiles = append(m.OtherProfiles, uint32(val.varint))
		}
		return nil
	})
}

// StopPlayback ends the stream for a session
type StopPlayback struct {
	SessionID uint32
}

// Marshal encodes the message to its wire payload
func (m *StopPlayback) Marshal() []byte {
	return appendUint32(nil, 1, m.SessionID)
}

// Unmarshal decodes the wire payload into the message
func (m *StopPlayback) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		if num == 1 {
			m.SessionID = uint32(val.varint)
		}
		return nil
	})
}

// AudioPayload carries one talkback chunk toward the camera
type AudioPayload struct {
	Payload    []byte
	SessionID  uint32
	Codec      Codec
	SampleRate uint32
}

// Marshal encodes the message to its wire payload
func (m *AudioPayload) Marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, m.Payload)
	b = appendUint32(b, 2, m.SessionID)
	b = appendUint32(b, 3, uint32(m.Codec))
	b = appendUint32(b, 4, m.SampleRate)
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *AudioPayload) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.Payload = append([]byte(nil), val.bytes...)
		case 2:
			m.SessionID = uint32(val.varint)
		case 3:
			m.Codec = Codec(val.varint)
		case 4:
			m.SampleRate = uint32(val.varint)
		}
		return nil
	})
}

// Ok acknowledges Hello or AuthorizeRequest
type Ok struct {
	UDPPort uint32
}

// Marshal encodes the message to its wire payload
func (m *Ok) Marshal() []byte {
	if m.UDPPort == 0 {
		return []byte{}
	}
	return appendUint32(nil, 1, m.UDPPort)
}

// Unmarshal decodes the wire payload into the message
func (m *Ok) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		if num == 1 {
			m.UDPPort = uint32(val.varint)
		}
		return nil
	})
}

// ErrorMsg reports a remote failure
type ErrorMsg struct {
	Code    uint32
	Message string
}

// Marshal encodes the message to its wire payload
func (m *ErrorMsg) Marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, m.Code)
	b = appendString(b, 2, m.Message)
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *ErrorMsg) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.Code = uint32(val.varint)
		case 2:
			m.Message = string(val.bytes)
		}
		return nil
	})
}

// ChannelProfile advertises one media channel inside PlaybackBegin
type ChannelProfile struct {
	ChannelID  uint32
	CodecType  Codec
	SampleRate uint32
}

// Marshal encodes the message to its wire payload
func (m *ChannelProfile) Marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, m.ChannelID)
	b = appendUint32(b, 2, uint32(m.CodecType))
	b = appendUint32(b, 3, m.SampleRate)
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *ChannelProfile) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.ChannelID = uint32(val.varint)
		case 2:
			m.CodecType = Codec(val.varint)
		case 3:
			m.SampleRate = uint32(val.varint)
		}
		return nil
	})
}

// PlaybackBegin announces the stream layout for a session
type PlaybackBegin struct {
	SessionID uint32
	Channels  []ChannelProfile
}

// Marshal encodes the message to its wire payload
func (m *PlaybackBegin) Marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, m.SessionID)
	for i := range m.Channels {
		b = appendBytes(b, 2, m.Channels[i].Marshal())
	}
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *PlaybackBegin) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.SessionID = uint32(val.varint)
		case 2:
			var ch ChannelProfile
			if err := ch.Unmarshal(val.bytes); err != nil {
				return err
			}
			m.Channels = append(m.Channels, ch)
		}
		return nil
	})
}

// PlaybackEnd closes a session, with a reason
type PlaybackEnd struct {
	SessionID uint32
	Reason    uint32
}

// Marshal encodes the message to its wire payload
func (m *PlaybackEnd) Marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, m.SessionID)
	b = appendUint32(b, 2, m.Reason)
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *PlaybackEnd) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.SessionID = uint32(val.varint)
		case 2:
			m.Reason = uint32(val.varint)
		}
		return nil
	})
}

// PlaybackPacket carries one media fragment on an advertised channel
type PlaybackPacket struct {
	SessionID      uint32
	ChannelID      uint32
	TimestampDelta int64
	Payload        []byte
}

// Marshal encodes the message to its wire payload
func (m *PlaybackPacket) Marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, m.SessionID)
	b = appendUint32(b, 2, m.ChannelID)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.TimestampDelta))
	b = appendBytes(b, 4, m.Payload)
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *PlaybackPacket) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.SessionID = uint32(val.varint)
		case 2:
			m.ChannelID = uint32(val.varint)
		case 3:
			m.TimestampDelta = protowire.DecodeZigZag(val.varint)
		case 4:
			m.Payload = append([]byte(nil), val.bytes...)
		}
		return nil
	})
}

// ClockSync is a remote timestamp probe; clients echo it back
type ClockSync struct {
	SessionID uint32
	Time      uint64
}

// Marshal encodes the message to its wire payload
func (m *ClockSync) Marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, m.SessionID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Time)
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *ClockSync) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.SessionID = uint32(val.varint)
		case 2:
			m.Time = val.varint
		}
		return nil
	})
}

// Redirect points the client at a different endpoint host
type Redirect struct {
	NewHost     string
	IsTranscode bool
}

// Marshal encodes the message to its wire payload
func (m *Redirect) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.NewHost)
	b = appendBool(b, 2, m.IsTranscode)
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *Redirect) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.NewHost = string(val.bytes)
		case 2:
			m.IsTranscode = val.varint != 0
		}
		return nil
	})
}

// TalkbackBegin opens the return-audio path for a session
type TalkbackBegin struct {
	UserID    string
	SessionID uint32
	DeviceID  string
}

// Marshal encodes the message to its wire payload
func (m *TalkbackBegin) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.UserID)
	b = appendUint32(b, 2, m.SessionID)
	b = appendString(b, 3, m.DeviceID)
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *TalkbackBegin) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.UserID = string(val.bytes)
		case 2:
			m.SessionID = uint32(val.varint)
		case 3:
			m.DeviceID = string(val.bytes)
		}
		return nil
	})
}

// TalkbackEnd closes the return-audio path
type TalkbackEnd struct {
	UserID    string
	SessionID uint32
	DeviceID  string
}

// Marshal encodes the message to its wire payload
func (m *TalkbackEnd) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.UserID)
	b = appendUint32(b, 2, m.SessionID)
	b = appendString(b, 3, m.DeviceID)
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *TalkbackEnd) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.UserID = string(val.bytes)
		case 2:
			m.SessionID = uint32(val.varint)
		case 3:
			m.DeviceID = string(val.bytes)
		}
		return nil
	})
}

// Encoding helpers. The schema is compiled into these typed messages; the
// payload bytes follow standard varint/length-delimited wire encoding.

type fieldValue struct {
	varint uint64
	bytes  []byte
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// walkFields iterates every field in data, invoking fn with the decoded
// value. Unknown fields and unexpected wire types are skipped so newer
// remote schema revisions do not break decoding.
func walkFields(data []byte, fn func(num protowire.Number, val fieldValue) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("malformed field tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("malformed varint for field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, fieldValue{varint: v}); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("malformed bytes for field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, fieldValue{bytes: v}); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
