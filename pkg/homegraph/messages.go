package homegraph

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// JoinStream commands
const (
	CommandOffer  = "offer"
	CommandExtend = "extend"
	CommandEnd    = "end"
)

// JoinStream request parameters
const (
	ResolutionFullHigh   = "FULL_HIGH"
	StreamContextDefault = "STREAM_CONTEXT_DEFAULT"
	EndReasonUserExited  = "USER_EXITED"
)

// Extension status returned by an extend command
const ExtensionStatusExtended = "STREAM_EXTENDED"

// GetHomeGraphResponse lists every home and its devices
type GetHomeGraphResponse struct {
	Homes []Home
}

// Unmarshal decodes the wire payload into the message
func (m *GetHomeGraphResponse) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		if num == 1 {
			var h Home
			if err := h.Unmarshal(val.bytes); err != nil {
				return err
			}
			m.Homes = append(m.Homes, h)
		}
		return nil
	})
}

// Home is one structure in the home graph
type Home struct {
	ID      string
	Devices []Device
}

// Marshal encodes the message to its wire payload
func (m *Home) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ID)
	for i := range m.Devices {
		b = appendBytes(b, 2, m.Devices[i].Marshal())
	}
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *Home) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.ID = string(val.bytes)
		case 2:
			var d Device
			if err := d.Unmarshal(val.bytes); err != nil {
				return err
			}
			m.Devices = append(m.Devices, d)
		}
		return nil
	})
}

// Device is one device entry; ThirdPartyIDs carries the identifiers other
// ecosystems know the device by
type Device struct {
	ID            string
	ThirdPartyIDs []string
}

// Marshal encodes the message to its wire payload
func (m *Device) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ID)
	for _, id := range m.ThirdPartyIDs {
		b = appendString(b, 2, id)
	}
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *Device) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.ID = string(val.bytes)
		case 2:
			m.ThirdPartyIDs = append(m.ThirdPartyIDs, string(val.bytes))
		}
		return nil
	})
}

// StartViewingRequest announces the intent to view a resolved device
type StartViewingRequest struct {
	DeviceID string
}

// Marshal encodes the message to its wire payload
func (m *StartViewingRequest) Marshal() []byte {
	return appendString(nil, 1, m.DeviceID)
}

// StartViewingResponse carries the viewing grant status; zero means granted
type StartViewingResponse struct {
	Status  uint32
	Message string
}

// Marshal encodes the message to its wire payload
func (m *StartViewingResponse) Marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, m.Status)
	b = appendString(b, 2, m.Message)
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *StartViewingResponse) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.Status = uint32(val.varint)
		case 2:
			m.Message = string(val.bytes)
		}
		return nil
	})
}

// JoinStreamRequest drives the offer/extend/end lifecycle of one stream
type JoinStreamRequest struct {
	Command       string
	DeviceID      string
	Offer         string
	StreamID      string
	Resolution    string
	StreamContext string
	EndReason     string
}

// Marshal encodes the message to its wire payload
func (m *JoinStreamRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Command)
	b = appendString(b, 2, m.DeviceID)
	b = appendString(b, 3, m.Offer)
	b = appendString(b, 4, m.StreamID)
	b = appendString(b, 5, m.Resolution)
	b = appendString(b, 6, m.StreamContext)
	b = appendString(b, 7, m.EndReason)
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *JoinStreamRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.Command = string(val.bytes)
		case 2:
			m.DeviceID = string(val.bytes)
		case 3:
			m.Offer = string(val.bytes)
		case 4:
			m.StreamID = string(val.bytes)
		case 5:
			m.Resolution = string(val.bytes)
		case 6:
			m.StreamContext = string(val.bytes)
		case 7:
			m.EndReason = string(val.bytes)
		}
		return nil
	})
}

// JoinStreamResponse answers any JoinStream command
type JoinStreamResponse struct {
	Status          uint32
	Answer          string
	StreamID        string
	ExtensionStatus string
}

// Marshal encodes the message to its wire payload
func (m *JoinStreamResponse) Marshal() []byte {
	var b []byte
	b = appendUint32(b, 1, m.Status)
	b = appendString(b, 2, m.Answer)
	b = appendString(b, 3, m.StreamID)
	b = appendString(b, 4, m.ExtensionStatus)
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *JoinStreamResponse) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.Status = uint32(val.varint)
		case 2:
			m.Answer = string(val.bytes)
		case 3:
			m.StreamID = string(val.bytes)
		case 4:
			m.ExtensionStatus = string(val.bytes)
		}
		return nil
	})
}

// TalkbackRequest starts or stops return audio for a stream
type TalkbackRequest struct {
	DeviceID string
	StreamID string
}

// Marshal encodes the message to its wire payload
func (m *TalkbackRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.DeviceID)
	b = appendString(b, 2, m.StreamID)
	return b
}

// Unmarshal decodes the wire payload into the message
func (m *TalkbackRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			m.DeviceID = string(val.bytes)
		case 2:
			m.StreamID = string(val.bytes)
		}
		return nil
	})
}

// Encoding helpers, standard varint/length-delimited wire encoding

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
