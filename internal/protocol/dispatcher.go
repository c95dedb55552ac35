package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Registry maps packet ids to the concrete packet types decoded for them.
type Registry struct {
	mu    sync.RWMutex
	types map[PacketType]reflect.Type
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[PacketType]reflect.Type)}
}

// DefaultRegistry returns a registry holding every built-in packet schema.
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	for _, p := range DefaultPackets() {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds the type of p under p.Type(). The schema is compiled here
// so an unsupported field fails registration instead of the first packet.
func (r *Registry) Register(p Packet) error {
	t := reflect.TypeOf(p)
	if t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("packet %T must be a pointer to a struct", p)
	}
	if _, ok := p.(*GenericPacket); ok {
		return errors.New("generic packets cannot be registered")
	}
	if err := Compile(t.Elem()); err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", p.Type(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[p.Type()] = t.Elem()
	return nil
}

// Unregister removes the schema for id; its frames pass through as
// GenericPacket afterwards.
func (r *Registry) Unregister(id PacketType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.types, id)
}

// New returns a zero packet for id, or false when none is registered.
func (r *Registry) New(id PacketType) (Packet, bool) {
	r.mu.RLock()
	t, ok := r.types[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return reflect.New(t).Interface().(Packet), true
}

// Len returns the number of registered schemas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// PacketReader turns raw stream bytes into packets.
type PacketReader struct {
	registry  *Registry
	segmenter *Segmenter
	logger    zerolog.Logger

	// OnFallback, when set, is called each time a registered packet fails
	// to decode and is replaced by a GenericPacket.
	OnFallback func(id PacketType, err error)
}

// NewPacketReader creates a reader over registry. maxFrameSize caps a
// single frame; zero selects DefaultMaxFrameSize.
func NewPacketReader(registry *Registry, maxFrameSize int) *PacketReader {
	return &PacketReader{
		registry:  registry,
		segmenter: NewSegmenter(maxFrameSize),
		logger:    log.With().Str("component", "packet_reader").Logger(),
	}
}

// WithLogger replaces the reader's logger.
func (pr *PacketReader) WithLogger(logger zerolog.Logger) *PacketReader {
	pr.logger = logger
	return pr
}

// Read feeds data[offset:] to the segmenter and decodes every complete frame.
// Corrupt frames are logged and skipped. A non-nil error means the stream
// can no longer be framed and the connection should be closed; packets
// decoded before the failure are still returned.
func (pr *PacketReader) Read(data []byte, offset int) ([]Packet, error) {
	var packets []Packet

	more, err := pr.segmenter.ProcessNextSegment(data, offset)
	for {
		if err != nil {
			if !errors.Is(err, ErrCorruptFrame) {
				return packets, err
			}
			pr.logger.Error().Err(err).Msg("dropping corrupt frame")
		} else if pr.segmenter.CurrentPacketData != nil {
			packets = append(packets, pr.Decode(PacketType(pr.segmenter.CurrentPacketID), pr.segmenter.CurrentPacketData))
		}

		if !more {
			return packets, nil
		}
		more, err = pr.segmenter.ProcessNextSegment(nil, 0)
	}
}

// Decode builds the packet for one frame. It never fails: unknown ids and
// undecodable payloads become GenericPacket with the original bytes.
func (pr *PacketReader) Decode(id PacketType, payload []byte) (p Packet) {
	p, ok := pr.registry.New(id)
	if !ok {
		return pr.generic(id, payload)
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			pr.logger.Error().Err(err).Stringer("packet", id).Msg("packet decoder panicked")
			pr.fallback(id, err)
			p = pr.generic(id, payload)
		}
	}()

	leftover, err := Unmarshal(payload, p)
	if err != nil {
		pr.logger.Error().
			Err(err).
			Stringer("packet", id).
			Int("size", len(payload)).
			Msg("failed to decode packet, passing it through raw")
		pr.fallback(id, err)
		return pr.generic(id, payload)
	}
	if leftover > 0 {
		pr.logger.Warn().
			Stringer("packet", id).
			Int("leftover", leftover).
			Int("size", len(payload)).
			Msg("packet has unread bytes")
	}

	p.Header().Received = true
	return p
}

func (pr *PacketReader) fallback(id PacketType, err error) {
	if pr.OnFallback != nil {
		pr.OnFallback(id, err)
	}
}

func (pr *PacketReader) generic(id PacketType, payload []byte) Packet {
	return &GenericPacket{
		PacketHeader: PacketHeader{Received: true},
		ID:           id,
		Data:         payload,
	}
}

// Encode serializes the payload of p. GenericPacket payloads are returned
// unchanged.
func Encode(p Packet) ([]byte, error) {
	if g, ok := p.(*GenericPacket); ok {
		return g.Data, nil
	}
	return Marshal(p)
}
