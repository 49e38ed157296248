// Package rtc implements the camera backend negotiated over WebRTC: a
// gRPC control channel for session lifecycle and a pion peer connection
// for media.
package rtc

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// NAL unit types
const (
	naluTypePFrame = 1
	naluTypeIDR    = 5
	naluTypeSPS    = 7
	naluTypePPS    = 8
	naluTypeSTAPA  = 24
	naluTypeFUA    = 28
)

// Depacketizer reassembles H.264 NAL units from RTP payloads. Fragments
// (FU-A) accumulate until the end bit; aggregates (STAP-A) emit each
// contained unit. SPS and PPS are cached and re-emitted ahead of every IDR
// so a consumer joining mid-stream can decode from the next keyframe.
type Depacketizer struct {
	buffer []byte
	sps    []byte
	pps    []byte

	// OnNALU receives each complete NAL unit without a start code
	OnNALU func(nalu []byte)
}

// NewDepacketizer creates a depacketizer
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{
		buffer: make([]byte, 0, 256*1024),
	}
}

// Process consumes one RTP packet. Padding-only packets are ignored.
func (d *Depacketizer) Process(packet *rtp.Packet) error {
	if len(packet.Payload) == 0 {
		return nil
	}

	switch packet.Payload[0] & 0x1F {
	case naluTypeFUA:
		return d.processFUA(packet.Payload)
	case naluTypeSTAPA:
		return d.processSTAPA(packet.Payload)
	default:
		d.emit(packet.Payload)
		return nil
	}
}

// processFUA reassembles one fragmented NAL unit
func (d *Depacketizer) processFUA(payload []byte) error {
	if len(payload) < 2 {
		return fmt.Errorf("FU-A packet too short: %d bytes", len(payload))
	}

	fuIndicator := payload[0]
	fuHeader := payload[1]
	fragment := payload[2:]

	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1F

	if start {
		d.buffer = d.buffer[:0]
		d.buffer = append(d.buffer, (fuIndicator&0xE0)|naluType)
	}
	d.buffer = append(d.buffer, fragment...)

	if end {
		nalu := make([]byte, len(d.buffer))
		copy(nalu, d.buffer)
		d.buffer = d.buffer[:0]
		d.emit(nalu)
	}
	return nil
}

// processSTAPA unpacks an aggregation packet into its NAL units
func (d *Depacketizer) processSTAPA(payload []byte) error {
	payload = payload[1:]

	for len(payload) > 2 {
		size := binary.BigEndian.Uint16(payload[:2])
		payload = payload[2:]
		if len(payload) < int(size) {
			return fmt.Errorf("STAP-A unit size %d exceeds payload", size)
		}

		nalu := make([]byte, size)
		copy(nalu, payload[:size])
		payload = payload[size:]
		d.emit(nalu)
	}
	return nil
}

// emit delivers one complete NAL unit, caching parameter sets and replaying
// them before keyframes
func (d *Depacketizer) emit(nalu []byte) {
	if len(nalu) == 0 {
		return
	}

	switch nalu[0] & 0x1F {
	case naluTypeSPS:
		d.sps = append(d.sps[:0], nalu...)
	case naluTypePPS:
		d.pps = append(d.pps[:0], nalu...)
	case naluTypeIDR:
		if len(d.sps) > 0 && d.OnNALU != nil {
			d.OnNALU(append([]byte(nil), d.sps...))
		}
		if len(d.pps) > 0 && d.OnNALU != nil {
			d.OnNALU(append([]byte(nil), d.pps...))
		}
	}

	if d.OnNALU != nil {
		d.OnNALU(nalu)
	}
}
