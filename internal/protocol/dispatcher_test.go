package protocol

import (
	"io"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReader(t *testing.T) *PacketReader {
	t.Helper()
	registry, err := DefaultRegistry()
	require.NoError(t, err)
	assert.Equal(t, len(DefaultPackets()), registry.Len())
	return NewPacketReader(registry, 0)
}

func frameOf(t *testing.T, p Packet) []byte {
	t.Helper()
	payload, err := Encode(p)
	require.NoError(t, err)
	encoded, err := EncodeFrame(p.Type(), payload, ShouldCompress(len(payload), 0, AlwaysCompress(p)))
	require.NoError(t, err)
	return encoded
}

func TestReaderDecodesTypedPackets(t *testing.T) {
	pr := newTestReader(t)

	var stream []byte
	samples := samplePackets()
	for _, p := range samples {
		stream = append(stream, frameOf(t, p)...)
	}

	packets, err := pr.Read(stream, 0)
	require.NoError(t, err)
	require.Len(t, packets, len(samples))

	for i, p := range packets {
		assert.True(t, p.Header().Received)
		p.Header().Received = false
		assert.Equal(t, samples[i], p)
	}
}

func TestReaderSplitAcrossCalls(t *testing.T) {
	pr := newTestReader(t)
	stream := append(frameOf(t, &ChatSentPacket{Text: "one"}), frameOf(t, &ChatSentPacket{Text: "two"})...)

	var got []string
	for _, b := range stream {
		packets, err := pr.Read([]byte{b}, 0)
		require.NoError(t, err)
		for _, p := range packets {
			got = append(got, p.(*ChatSentPacket).Text)
		}
	}
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestUnknownPacketPassesThrough(t *testing.T) {
	pr := newTestReader(t)
	payload := []byte{0x00, 0xff, 0x10, 0x80}

	encoded, err := EncodeFrame(PacketType(200), payload, false)
	require.NoError(t, err)

	packets, err := pr.Read(encoded, 0)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	generic, ok := packets[0].(*GenericPacket)
	require.True(t, ok)
	assert.Equal(t, PacketType(200), generic.Type())
	assert.Equal(t, payload, generic.Data)
	assert.True(t, generic.Received)

	again, err := EncodeFrame(generic.Type(), generic.Data, false)
	require.NoError(t, err)
	assert.Equal(t, encoded, again)
}

func TestUnregisteredKnownIDPassesThrough(t *testing.T) {
	pr := newTestReader(t)
	p := pr.Decode(TileUpdate, []byte{1, 2, 3})
	assert.IsType(t, &GenericPacket{}, p)
	assert.Equal(t, "TileUpdate", p.Type().String())
}

func TestDecodeFailureFallsBack(t *testing.T) {
	pr := newTestReader(t)

	var failures []PacketType
	pr.OnFallback = func(id PacketType, err error) {
		var decodeErr *DecodeError
		assert.ErrorAs(t, err, &decodeErr)
		failures = append(failures, id)
	}

	// String length claims 10 bytes, only 2 follow.
	payload := []byte{0x0a, 'h', 'i'}
	p := pr.Decode(ServerDisconnect, payload)

	generic, ok := p.(*GenericPacket)
	require.True(t, ok)
	assert.Equal(t, ServerDisconnect, generic.Type())
	assert.Equal(t, payload, generic.Data)
	assert.Equal(t, []PacketType{ServerDisconnect}, failures)
}

func TestLeftoverBytesKeepTypedPacket(t *testing.T) {
	pr := newTestReader(t)

	payload, err := Encode(&ServerInfoPacket{Players: 1, MaxPlayers: 8})
	require.NoError(t, err)
	payload = append(payload, 0xee)

	p := pr.Decode(ServerInfo, payload)
	info, ok := p.(*ServerInfoPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(8), info.MaxPlayers)
}

func TestReaderSkipsCorruptFrame(t *testing.T) {
	pr := newTestReader(t)

	stream := []byte{byte(Pong), 0x0d, 'g', 'a', 'r', 'b', 'a', 'g', 'e'}
	stream = append(stream, frameOf(t, &PingPacket{Time: 5})...)

	packets, err := pr.Read(stream, 0)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	assert.Equal(t, uint64(5), packets[0].(*PingPacket).Time)
}

func TestReaderFatalOnOversizeFrame(t *testing.T) {
	registry, err := DefaultRegistry()
	require.NoError(t, err)
	pr := NewPacketReader(registry, 16)

	stream := frameOf(t, &PingPacket{Time: 1})
	big, err := EncodeFrame(WorldStop, make([]byte, 64), false)
	require.NoError(t, err)
	stream = append(stream, big...)

	packets, err := pr.Read(stream, 0)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Len(t, packets, 1)
}

func TestAlwaysCompressHint(t *testing.T) {
	assert.True(t, AlwaysCompress(&WorldStartPacket{}))
	assert.False(t, AlwaysCompress(&ChatSentPacket{}))
	assert.False(t, AlwaysCompress(&GenericPacket{}))
}

func TestHostileVariantLengthFallsBackWithoutAllocating(t *testing.T) {
	pr := newTestReader(t)
	// Empty name, zero count, then a string variant declaring 2^31-1 bytes.
	payload := []byte{0x00, 0x00, 0x05, 0x87, 0xff, 0xff, 0xff, 0x7f}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	p := pr.Decode(GiveItem, payload)
	runtime.ReadMemStats(&after)

	generic, ok := p.(*GenericPacket)
	require.True(t, ok, "got %T", p)
	assert.Equal(t, payload, generic.Data)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))

	_, err := NewReader(payload[2:]).ReadVariant()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
