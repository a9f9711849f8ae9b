package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-tap/pkg/domain"
)

// echoServer answers every connection with the bytes it reads, then half-closes.
func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
				closeWrite(conn)
			}()
		}
	}()
	return ln
}

func startTCPProxy(t *testing.T, p *TCPProxy) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx, ln) }()
	return ln.Addr().String(), cancel, done
}

func TestTCPProxyRelaysAndTaps(t *testing.T) {
	upstream := echoServer(t)
	registry, dir := fileTapRegistry(t, domain.ProtocolSocket, `connection.remote_address startsWith "127."`)

	addr, cancel, done := startTCPProxy(t, NewTCPProxy(upstream.Addr().String(), registry, quietLogger()))
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("proxy did not stop")
	}

	var doc struct {
		Trace struct {
			Connection struct {
				LocalAddress string `json:"local_address"`
			} `json:"connection"`
			Events []map[string]json.RawMessage `json:"events"`
		} `json:"socket_buffered_trace"`
	}
	require.NoError(t, json.Unmarshal(readOnlyTrace(t, dir), &doc))

	assert.Equal(t, addr, doc.Trace.Connection.LocalAddress)
	kinds := make([]string, 0, len(doc.Trace.Events))
	for _, event := range doc.Trace.Events {
		for key := range event {
			if key != "timestamp" {
				kinds = append(kinds, key)
			}
		}
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, "read", kinds[0])
	assert.Contains(t, kinds, "write")
	assert.Equal(t, "closed", kinds[len(kinds)-1])
}

func TestTCPProxyUpstreamDown(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	require.NoError(t, dead.Close())

	registry, dir := fileTapRegistry(t, domain.ProtocolSocket, `protocol == "socket"`)
	addr, cancel, done := startTCPProxy(t, NewTCPProxy(deadAddr, registry, quietLogger()))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "client is closed when upstream cannot be reached")
	_ = conn.Close()

	cancel()
	require.NoError(t, <-done)

	var doc struct {
		Trace struct {
			Events []map[string]json.RawMessage `json:"events"`
		} `json:"socket_buffered_trace"`
	}
	require.NoError(t, json.Unmarshal(readOnlyTrace(t, dir), &doc))
	require.Len(t, doc.Trace.Events, 1)
	assert.Contains(t, doc.Trace.Events[0], "closed")
}
