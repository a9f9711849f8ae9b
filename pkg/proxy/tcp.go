package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/polisai/polis-tap/pkg/buffer"
	"github.com/polisai/polis-tap/pkg/domain"
	"github.com/polisai/polis-tap/pkg/tap"
	"github.com/polisai/polis-tap/pkg/tap/sockettap"
)

const (
	defaultDialTimeout = 10 * time.Second
	relayBufferSize    = 32 * 1024
)

// TCPProxy relays accepted connections to a fixed upstream address. Bytes read from the
// client are reported to socket taps as reads and bytes sent back to it as writes.
type TCPProxy struct {
	upstream string
	registry *tap.Registry
	logger   *slog.Logger
	dialer   net.Dialer

	wg sync.WaitGroup
}

// NewTCPProxy returns a relay to upstream tapped by registry's socket extensions.
func NewTCPProxy(upstream string, registry *tap.Registry, logger *slog.Logger) *TCPProxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPProxy{
		upstream: upstream,
		registry: registry,
		logger:   logger,
		dialer:   net.Dialer{Timeout: defaultDialTimeout},
	}
}

// Serve accepts connections from ln until ctx is cancelled or ln fails. It closes ln and
// waits for in-flight connections before returning.
func (p *TCPProxy) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer p.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(ctx, conn)
		}()
	}
}

func (p *TCPProxy) handle(ctx context.Context, client net.Conn) {
	taps := newSocketTaps(p.registry, client.LocalAddr().String(), client.RemoteAddr().String())
	defer taps.close()
	defer client.Close()

	upstream, err := p.dialer.DialContext(ctx, "tcp", p.upstream)
	if err != nil {
		p.logger.Warn("Upstream dial failed", "upstream", p.upstream, "remote", client.RemoteAddr().String(), "error", err)
		return
	}
	defer upstream.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = upstream.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relay(upstream, client, taps.read)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		relay(client, upstream, func(data []byte) { taps.write(data, false) })
		taps.write(nil, true)
		closeWrite(client)
	}()
	wg.Wait()
}

// relay copies src to dst, reporting every chunk read before forwarding it.
func relay(dst io.Writer, src io.Reader, observe func([]byte)) {
	buf := make([]byte, relayBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			observe(buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}

// socketTaps serializes the two relay directions onto the connection's tappers.
type socketTaps struct {
	mu      sync.Mutex
	tappers []*sockettap.Tapper
}

func newSocketTaps(registry *tap.Registry, local, remote string) *socketTaps {
	s := &socketTaps{}
	for _, ext := range registry.ForProtocol(domain.ProtocolSocket) {
		if t := sockettap.New(ext, local, remote); t != nil {
			s.tappers = append(s.tappers, t)
		}
	}
	return s
}

func (s *socketTaps) read(data []byte) {
	if len(s.tappers) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tappers {
		t.OnRead(buffer.Bytes(data))
	}
}

func (s *socketTaps) write(data []byte, endStream bool) {
	if len(s.tappers) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tappers {
		t.OnWrite(buffer.Bytes(data), endStream)
	}
}

func (s *socketTaps) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tappers {
		t.OnClose()
	}
}
