package network

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"net"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starrelay-project/starrelay/internal/config"
)

// Steam server query wire constants. Every query datagram starts with four
// 0xFF bytes; numbers are little-endian.
const (
	queryPrefix = "\xFF\xFF\xFF\xFF"

	queryInfo   byte = 'T'
	queryPlayer byte = 'U'

	replyChallenge byte = 'A'
	replyInfo      byte = 'I'
	replyPlayer    byte = 'D'

	queryInfoPayload = "Source Engine Query\x00"
	queryProtocol    = 17
	noChallenge      = -1
)

// QueryResponder answers Steam A2S_INFO and A2S_PLAYER probes so server
// browsers list the proxy with its live player count. Both queries use the
// challenge handshake.
type QueryResponder struct {
	proxy    config.ProxyConfig
	sessions *Manager
	version  string
	salt     [8]byte
	conn     net.PacketConn
	logger   zerolog.Logger
}

// NewQueryResponder creates a responder that reports sessions from m.
func NewQueryResponder(proxy config.ProxyConfig, m *Manager, version string) *QueryResponder {
	q := &QueryResponder{
		proxy:    proxy,
		sessions: m,
		version:  version,
		logger:   log.With().Str("component", "query").Logger(),
	}
	rand.Read(q.salt[:])
	return q
}

// Listen binds the UDP socket.
func (q *QueryResponder) Listen(ctx context.Context) error {
	addr := q.proxy.QueryAddr()

	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("failed to start query responder on %s: %w", addr, err)
	}
	q.conn = pc

	q.logger.Info().Str("addr", pc.LocalAddr().String()).Msg("query responder started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (q *QueryResponder) Addr() net.Addr {
	if q.conn == nil {
		return nil
	}
	return q.conn.LocalAddr()
}

// Start binds and serves until ctx is cancelled.
func (q *QueryResponder) Start(ctx context.Context) error {
	if err := q.Listen(ctx); err != nil {
		return err
	}
	return q.Serve(ctx)
}

// Serve answers probes on the bound socket until ctx is cancelled.
func (q *QueryResponder) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		q.conn.Close()
	}()

	buf := make([]byte, 1400)
	for {
		n, remote, err := q.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				q.logger.Info().Msg("query responder stopping")
				return nil
			default:
				q.logger.Error().Err(err).Msg("UDP read error")
				continue
			}
		}

		reply := q.handle(buf[:n], remote)
		if reply == nil {
			continue
		}
		if _, err := q.conn.WriteTo(reply, remote); err != nil {
			q.logger.Warn().Err(err).Str("remote", remote.String()).Msg("failed to send query reply")
			continue
		}
		q.logger.Trace().Str("remote", remote.String()).Msg("answered query")
	}
}

// handle returns the reply for one datagram, or nil to ignore it.
func (q *QueryResponder) handle(pkt []byte, remote net.Addr) []byte {
	if len(pkt) < 5 || string(pkt[:4]) != queryPrefix {
		return nil
	}

	// Both queries must echo the per-IP challenge, so a spoofed source only
	// ever receives the short challenge reply.
	switch pkt[4] {
	case queryInfo:
		body := pkt[5:]
		if !bytes.HasPrefix(body, []byte(queryInfoPayload)) {
			return nil
		}
		want := q.challenge(remote)
		if !hasChallenge(body[len(queryInfoPayload):], want) {
			return challengeReply(want)
		}
		return q.infoReply()
	case queryPlayer:
		if len(pkt) < 9 {
			return nil
		}
		want := q.challenge(remote)
		if !hasChallenge(pkt[5:], want) {
			return challengeReply(want)
		}
		return q.playerReply()
	}
	return nil
}

func hasChallenge(b []byte, want int32) bool {
	return len(b) >= 4 && int32(binary.LittleEndian.Uint32(b[:4])) == want
}

// challenge derives a per-IP token from the random salt.
func (q *QueryResponder) challenge(remote net.Addr) int32 {
	h := fnv.New32a()
	h.Write(q.salt[:])
	h.Write([]byte(extractIP(remote)))
	c := int32(h.Sum32())
	if c == noChallenge {
		c = 0
	}
	return c
}

func challengeReply(c int32) []byte {
	var w queryWriter
	w.header(replyChallenge)
	w.int32(c)
	return w.Bytes()
}

func (q *QueryResponder) infoReply() []byte {
	var w queryWriter
	w.header(replyInfo)
	w.WriteByte(queryProtocol)
	w.cstring(q.proxy.ServerName)
	w.cstring("Starbound")
	w.cstring("starbound")
	w.cstring("Starbound")
	w.uint16(0)
	w.WriteByte(clampByte(len(q.players())))
	w.WriteByte(clampByte(q.proxy.MaxConcurrentSession))
	w.WriteByte(0) // bots
	w.WriteByte('d')
	w.WriteByte(environmentByte())
	w.WriteByte(0) // visibility
	w.WriteByte(0) // VAC
	w.cstring(q.version)
	return w.Bytes()
}

type queryPlayerEntry struct {
	name      string
	connected time.Duration
}

// players lists identified players only; half-open sessions have no name.
func (q *QueryResponder) players() []queryPlayerEntry {
	var out []queryPlayerEntry
	for _, s := range q.sessions.All() {
		name := s.Player().Name()
		if name == "" {
			continue
		}
		out = append(out, queryPlayerEntry{name: name, connected: time.Since(s.StartedAt())})
	}
	return out
}

func (q *QueryResponder) playerReply() []byte {
	players := q.players()
	if len(players) > math.MaxUint8 {
		players = players[:math.MaxUint8]
	}

	var w queryWriter
	w.header(replyPlayer)
	w.WriteByte(byte(len(players)))
	for i, p := range players {
		w.WriteByte(byte(i))
		w.cstring(p.name)
		w.int32(0) // score
		w.uint32(math.Float32bits(float32(p.connected.Seconds())))
	}
	return w.Bytes()
}

type queryWriter struct {
	bytes.Buffer
}

func (w *queryWriter) header(kind byte) {
	w.WriteString(queryPrefix)
	w.WriteByte(kind)
}

func (w *queryWriter) cstring(s string) {
	w.WriteString(s)
	w.WriteByte(0)
}

func (w *queryWriter) uint16(v uint16) {
	w.Write(binary.LittleEndian.AppendUint16(nil, v))
}

func (w *queryWriter) uint32(v uint32) {
	w.Write(binary.LittleEndian.AppendUint32(nil, v))
}

func (w *queryWriter) int32(v int32) {
	w.uint32(uint32(v))
}

func clampByte(n int) byte {
	switch {
	case n < 0:
		return 0
	case n > math.MaxUint8:
		return math.MaxUint8
	}
	return byte(n)
}

func environmentByte() byte {
	switch runtime.GOOS {
	case "windows":
		return 'w'
	case "darwin":
		return 'm'
	}
	return 'l'
}
