// Package network implements the relay: one Connection per socket, a
// Session pairing the client and server legs, the session Manager and the
// TCP listener that accepts game clients.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starrelay-project/starrelay/internal/protocol"
)

// ErrConnectionClosed is returned when sending on a connection that is not
// connected.
var ErrConnectionClosed = errors.New("connection is closed")

// State is the lifecycle state of a Connection.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultReadBufferSize = 32 << 10
	defaultWriteTimeout   = 10 * time.Second
)

// PacketHook observes a packet at one point of the pipeline.
type PacketHook func(p protocol.Packet, c *Connection)

// ConnectionOptions configures a Connection.
type ConnectionOptions struct {
	// Direction is stamped on every packet this connection receives.
	Direction protocol.Direction
	// Packets decides which ids decode to typed packets.
	Packets *protocol.Registry
	// Handlers run for every received packet. May be nil.
	Handlers *HandlerRegistry

	MaxFrameSize         int
	CompressionThreshold int
	ReadBufferSize       int
	WriteTimeout         time.Duration

	// OnDecodeFailure is called when a packet falls back to raw passthrough.
	OnDecodeFailure func(id protocol.PacketType, err error)
}

// Connection owns one socket and relays what it reads to its paired
// connection, running the handler pipeline on the way.
type Connection struct {
	opts   ConnectionOptions
	dial   func(ctx context.Context) (net.Conn, error)
	connMu sync.Mutex
	conn   net.Conn
	reader *protocol.PacketReader
	logger zerolog.Logger

	state atomic.Int32
	other *Connection
	sess  *Session

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	hooksMu         sync.RWMutex
	onReceived      []PacketHook
	onAfterReceived []PacketHook
	onSending       []PacketHook
	onSent          []PacketHook
	onDisconnected  []func(c *Connection)

	connectedAt  atomic.Int64
	lastActivity atomic.Int64
	packetsIn    atomic.Uint64
	packetsOut   atomic.Uint64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
}

// NewConnection wraps an accepted socket.
func NewConnection(conn net.Conn, opts ConnectionOptions) *Connection {
	c := newConnection(opts)
	c.conn = conn
	c.logger = c.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	return c
}

// NewDialConnection creates a connection that dials addr when started.
func NewDialConnection(addr string, timeout time.Duration, opts ConnectionOptions) *Connection {
	c := newConnection(opts)
	c.dial = func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	c.logger = c.logger.With().Str("remote", addr).Logger()
	return c
}

func newConnection(opts ConnectionOptions) *Connection {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Packets == nil {
		opts.Packets = protocol.NewRegistry()
	}

	logger := log.With().
		Str("component", "connection").
		Stringer("direction", opts.Direction).
		Logger()

	reader := protocol.NewPacketReader(opts.Packets, opts.MaxFrameSize).WithLogger(logger)
	reader.OnFallback = opts.OnDecodeFailure

	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		opts:   opts,
		reader: reader,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Direction returns the direction stamped on packets this connection reads.
func (c *Connection) Direction() protocol.Direction {
	return c.opts.Direction
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Connected reports whether the connection is open.
func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

// Other returns the paired connection.
func (c *Connection) Other() *Connection {
	return c.other
}

// Session returns the session owning this connection, if any.
func (c *Connection) Session() *Session {
	return c.sess
}

// Done is closed once the connection reaches StateClosed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Context is cancelled when the connection closes. Handlers use it for
// work that should stop with the connection.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// RemoteAddr returns the peer address, or nil before the socket exists.
func (c *Connection) RemoteAddr() net.Addr {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// ConnectedAt returns when the connection was opened.
func (c *Connection) ConnectedAt() time.Time {
	return time.Unix(0, c.connectedAt.Load())
}

// LastActivity returns the time of the last read or write.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Stats returns packet and byte counters.
func (c *Connection) Stats() (packetsIn, packetsOut, bytesIn, bytesOut uint64) {
	return c.packetsIn.Load(), c.packetsOut.Load(), c.bytesIn.Load(), c.bytesOut.Load()
}

// OnReceived registers a hook fired after the before-handlers of a packet.
func (c *Connection) OnReceived(h PacketHook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onReceived = append(c.onReceived, h)
}

// OnAfterReceived registers a hook fired after the after-handlers.
func (c *Connection) OnAfterReceived(h PacketHook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onAfterReceived = append(c.onAfterReceived, h)
}

// OnSending registers a hook fired before a packet is written. It may set
// the packet's Ignore flag to drop it.
func (c *Connection) OnSending(h PacketHook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onSending = append(c.onSending, h)
}

// OnSent registers a hook fired once a packet was written.
func (c *Connection) OnSent(h PacketHook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onSent = append(c.onSent, h)
}

// OnDisconnected registers a hook fired exactly once when the connection
// closes.
func (c *Connection) OnDisconnected(h func(c *Connection)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onDisconnected = append(c.onDisconnected, h)
}

func (c *Connection) fire(hooks *[]PacketHook, p protocol.Packet) {
	c.hooksMu.RLock()
	list := *hooks
	c.hooksMu.RUnlock()
	for _, h := range list {
		h(p, c)
	}
}

// Open establishes the socket, dialing if needed, and moves the connection
// to StateConnected without reading from it yet.
func (c *Connection) Open(ctx context.Context) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		if c.dial == nil {
			return errors.New("connection has no socket and no dialer")
		}
		var err error
		if conn, err = c.dial(ctx); err != nil {
			return fmt.Errorf("failed to dial upstream: %w", err)
		}
		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
	}

	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnected)) {
		conn.Close()
		return fmt.Errorf("cannot open connection in state %s", c.State())
	}

	now := time.Now().UnixNano()
	c.connectedAt.Store(now)
	c.lastActivity.Store(now)
	c.logger.Debug().Msg("connection opened")
	return nil
}

// Start opens the connection and begins the receive loop. The connection
// closes when ctx is cancelled.
func (c *Connection) Start(ctx context.Context) error {
	if err := c.Open(ctx); err != nil {
		return err
	}
	c.serve(ctx)
	return nil
}

func (c *Connection) serve(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	go c.receiveLoop()
}

func (c *Connection) receiveLoop() {
	defer c.Close()

	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.lastActivity.Store(time.Now().UnixNano())
			c.bytesIn.Add(uint64(n))

			packets, ferr := c.reader.Read(buf[:n], 0)
			for _, p := range packets {
				c.process(p)
			}
			if ferr != nil {
				c.logger.Error().Err(ferr).Msg("stream cannot be framed, closing")
				return
			}
		}
		if err != nil {
			if c.State() == StateConnected && !errors.Is(err, io.EOF) {
				c.logger.Warn().Err(err).Msg("read error, closing connection")
			}
			return
		}
	}
}

// process runs the pipeline for one packet. A failure in any step is
// logged and ends processing of that packet only.
func (c *Connection) process(p protocol.Packet) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Stringer("packet", p.Type()).
				Msg("packet pipeline panicked")
		}
	}()

	c.packetsIn.Add(1)
	p.Header().Direction = c.opts.Direction
	handlers := c.opts.Handlers.lookup(p)

	for _, h := range handlers {
		if err := h.before(c.ctx, p, c); err != nil {
			c.logger.Warn().Err(err).Str("handler", h.name).Stringer("packet", p.Type()).Msg("before handler failed")
			return
		}
	}

	c.fire(&c.onReceived, p)

	if other := c.other; other != nil {
		if err := other.Send(p); err != nil && !errors.Is(err, ErrConnectionClosed) {
			c.logger.Warn().Err(err).Stringer("packet", p.Type()).Msg("failed to forward packet")
		}
	}

	for _, h := range handlers {
		if err := h.after(c.ctx, p, c); err != nil {
			c.logger.Warn().Err(err).Str("handler", h.name).Stringer("packet", p.Type()).Msg("after handler failed")
			return
		}
	}

	c.fire(&c.onAfterReceived, p)
}

// Send serializes, frames and writes p. Packets marked Ignore, before or
// during the sending hooks, are dropped without error.
func (c *Connection) Send(p protocol.Packet) error {
	if !c.Connected() {
		return ErrConnectionClosed
	}

	c.fire(&c.onSending, p)
	if p.Header().Ignore {
		return nil
	}

	payload, err := protocol.Encode(p)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p.Type(), err)
	}
	compress := protocol.ShouldCompress(len(payload), c.opts.CompressionThreshold, protocol.AlwaysCompress(p))
	frame, err := protocol.EncodeFrame(p.Type(), payload, compress)
	if err != nil {
		return err
	}

	if err := c.write(frame); err != nil {
		c.Close()
		return fmt.Errorf("failed to write %s: %w", p.Type(), err)
	}

	c.packetsOut.Add(1)
	c.logger.Trace().Stringer("packet", p.Type()).Int("size", len(frame)).Bool("compressed", compress).Msg("packet sent")
	c.fire(&c.onSent, p)
	return nil
}

func (c *Connection) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.Connected() {
		return ErrConnectionClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	n, err := c.conn.Write(frame)
	c.bytesOut.Add(uint64(n))
	c.lastActivity.Store(time.Now().UnixNano())
	return err
}

// Close shuts the connection down: write side first so the peer can drain,
// then the socket. Safe to call any number of times from any goroutine;
// only the first call has an effect.
func (c *Connection) Close() error {
	for {
		s := c.state.Load()
		if s == int32(StateClosing) || s == int32(StateClosed) {
			return nil
		}
		if c.state.CompareAndSwap(s, int32(StateClosing)) {
			break
		}
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	var err error
	if conn != nil {
		if hc, ok := conn.(interface{ CloseWrite() error }); ok {
			hc.CloseWrite()
		}
		err = conn.Close()
	}
	c.cancel()
	c.state.Store(int32(StateClosed))
	close(c.done)

	c.logger.Debug().Msg("connection closed")

	c.hooksMu.RLock()
	hooks := c.onDisconnected
	c.hooksMu.RUnlock()
	for _, h := range hooks {
		h(c)
	}
	return err
}
