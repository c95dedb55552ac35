package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starrelay-project/starrelay/internal/config"
	"github.com/starrelay-project/starrelay/internal/protocol"
)

// ListenerOptions wires the listener to the rest of the proxy.
type ListenerOptions struct {
	Proxy    config.ProxyConfig
	Packets  *protocol.Registry
	Handlers *HandlerRegistry
	Manager  *Manager

	// OnDecodeFailure is passed to every connection.
	OnDecodeFailure func(id protocol.PacketType, err error)
}

// TCPListener accepts game clients and starts a Session for each, dialing
// the upstream server on the client's behalf.
type TCPListener struct {
	opts     ListenerOptions
	listener net.Listener
	rate     *rateTracker
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewTCPListener creates a new TCP listener.
func NewTCPListener(opts ListenerOptions) *TCPListener {
	return &TCPListener{
		opts:   opts,
		rate:   newRateTracker(opts.Proxy.MaxConnPerSecPerIP),
		logger: log.With().Str("component", "tcp_listener").Logger(),
	}
}

// Listen binds the listening socket.
func (l *TCPListener) Listen(ctx context.Context) error {
	addr := l.opts.Proxy.ListenAddr()

	// SO_REUSEADDR allows immediate rebinding after restart
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", addr, err)
	}
	l.listener = ln

	l.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("upstream", l.opts.Proxy.UpstreamAddr()).
		Msg("TCP listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *TCPListener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Start binds and serves until ctx is cancelled.
func (l *TCPListener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve accepts clients until ctx is cancelled or the listener is closed.
func (l *TCPListener) Serve(ctx context.Context) error {
	if l.listener == nil {
		return errors.New("listener is not bound")
	}

	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	go l.pruneLoop(ctx)

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Info().Msg("TCP listener stopping")
				l.wg.Wait()
				return nil
			}
			l.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		srcIP := extractIP(conn.RemoteAddr())

		if !l.rate.allow(srcIP) {
			l.logger.Warn().Str("src", srcIP).Msg("connection rate limit exceeded, dropping connection")
			conn.Close()
			continue
		}

		if limit := l.opts.Proxy.MaxConcurrentSession; limit > 0 && l.opts.Manager.Count() >= limit {
			l.logger.Warn().Str("src", srcIP).Int("max", limit).Msg("max concurrent sessions reached, dropping")
			conn.Close()
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConnection(ctx, conn)
		}()
	}
}

func (l *TCPListener) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.rate.prune(now)
		}
	}
}

func (l *TCPListener) connectionOptions(dir protocol.Direction) ConnectionOptions {
	p := l.opts.Proxy
	return ConnectionOptions{
		Direction:            dir,
		Packets:              l.opts.Packets,
		Handlers:             l.opts.Handlers,
		MaxFrameSize:         p.MaxFrameSize,
		CompressionThreshold: p.CompressionThreshold,
		ReadBufferSize:       p.ReadBufferSize,
		WriteTimeout:         p.WriteTimeout(),
		OnDecodeFailure:      l.opts.OnDecodeFailure,
	}
}

// handleConnection pairs an accepted client with a fresh upstream
// connection. The session is tracked before the dial so watchers see every
// attempt; a failed dial closes the client leg.
func (l *TCPListener) handleConnection(ctx context.Context, rawConn net.Conn) {
	p := l.opts.Proxy
	client := NewConnection(rawConn, l.connectionOptions(protocol.FromClient))
	server := NewDialConnection(p.UpstreamAddr(), p.DialTimeout(), l.connectionOptions(protocol.FromServer))

	sess := NewSession(client, server)
	if !l.opts.Manager.Add(sess) {
		l.logger.Error().Str("session_id", sess.ID()).Msg("duplicate session id")
		sess.Close()
		return
	}

	if err := sess.Start(ctx); err != nil {
		l.logger.Warn().
			Err(err).
			Str("remote", rawConn.RemoteAddr().String()).
			Msg("upstream unavailable, client dropped")
	}
}

// Stop closes the listening socket.
func (l *TCPListener) Stop() error {
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
