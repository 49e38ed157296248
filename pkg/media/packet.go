package media

// Kind identifies the media plane a packet belongs to
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

// String returns human-readable packet kind
func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Packet is one unit of media flowing through the core.
// Bytes are opaque: a complete H.264 NAL unit for video, one encoded
// audio frame for audio.
type Packet struct {
	Kind  Kind
	Bytes []byte
}

// Clone returns a value copy of the packet with its own byte slice
func (p Packet) Clone() Packet {
	b := make([]byte, len(p.Bytes))
	copy(b, p.Bytes)
	return Packet{Kind: p.Kind, Bytes: b}
}

// StartCode is the Annex-B NAL unit delimiter
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// HasStartCode reports whether data begins with the 4-byte NAL start code
func HasStartCode(data []byte) bool {
	return len(data) >= 4 &&
		data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x00 && data[3] == 0x01
}

// EnsureStartCode returns data prefixed with the NAL start code.
// Data that already carries the prefix is returned unchanged.
func EnsureStartCode(data []byte) []byte {
	if HasStartCode(data) {
		return data
	}
	out := make([]byte, 0, len(StartCode)+len(data))
	out = append(out, StartCode...)
	return append(out, data...)
}

// TrimStartCode strips a leading NAL start code if present
func TrimStartCode(data []byte) []byte {
	if HasStartCode(data) {
		return data[4:]
	}
	return data
}
