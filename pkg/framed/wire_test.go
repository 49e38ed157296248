package framed

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{"empty ping", Record{Type: TypePing}},
		{"hello", Record{Type: TypeHello, Payload: []byte{0x08, 0x03}}},
		{"playback packet", Record{Type: TypePlaybackPacket, Payload: bytes.Repeat([]byte{0xAB}, 1024)}},
		{"max standard", Record{Type: TypeOk, Payload: bytes.Repeat([]byte{0x01}, 0xFFFF)}},
		{"long playback", Record{Type: TypeLongPlaybackPacket, Payload: bytes.Repeat([]byte{0xCD}, 70_000)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := EncodeRecord(tt.rec)
			require.NoError(t, err)

			got, err := ReadRecord(bufio.NewReader(bytes.NewReader(buf)))
			require.NoError(t, err)
			require.Equal(t, tt.rec.Type, got.Type)
			require.Equal(t, tt.rec.Payload, got.Payload)
		})
	}
}

func TestEncodePromotesOversizedPlaybackPacket(t *testing.T) {
	rec := Record{Type: TypePlaybackPacket, Payload: bytes.Repeat([]byte{0xEE}, 0x10000)}
	buf, err := EncodeRecord(rec)
	require.NoError(t, err)
	require.Equal(t, byte(TypeLongPlaybackPacket), buf[0])

	got, err := ReadRecord(bufio.NewReader(bytes.NewReader(buf)))
	require.NoError(t, err)
	require.Equal(t, TypeLongPlaybackPacket, got.Type)
	require.Len(t, got.Payload, 0x10000)
}

func TestEncodeRejectsOversizedNonPlayback(t *testing.T) {
	_, err := EncodeRecord(Record{Type: TypeHello, Payload: bytes.Repeat([]byte{0x00}, 0x10000)})
	require.Error(t, err)
}

func TestReadRejectsCorruptLongLength(t *testing.T) {
	// long playback tag with an absurd 4-byte length
	buf := []byte{byte(TypeLongPlaybackPacket), 0xFF, 0xFF, 0xFF, 0xFF}
	_, err := ReadRecord(bufio.NewReader(bytes.NewReader(buf)))
	require.Error(t, err)
}

func TestReadSequentialRecords(t *testing.T) {
	var stream bytes.Buffer
	for _, rec := range []Record{
		{Type: TypeOk},
		{Type: TypePlaybackBegin, Payload: []byte{0x08, 0x01}},
		{Type: TypePlaybackPacket, Payload: []byte{0xAA, 0xBB}},
	} {
		buf, err := EncodeRecord(rec)
		require.NoError(t, err)
		stream.Write(buf)
	}

	r := bufio.NewReader(&stream)
	for _, want := range []PacketType{TypeOk, TypePlaybackBegin, TypePlaybackPacket} {
		rec, err := ReadRecord(r)
		require.NoError(t, err)
		require.Equal(t, want, rec.Type)
	}
}
