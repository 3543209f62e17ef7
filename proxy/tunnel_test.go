package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type relayResult struct {
	n   int64
	err error
}

func startRelay(ctx context.Context, t *testing.T, opts Options) (clientApp, upstreamApp net.Conn, result <-chan relayResult) {
	t.Helper()

	p := New(zaptest.NewLogger(t), nil, nil, opts)
	clientApp, clientSide := tcpPair(t)
	upstreamSide, upstreamApp := tcpPair(t)

	ch := make(chan relayResult, 1)
	go func() {
		n, err := p.relay(ctx, clientSide, upstreamSide)
		ch <- relayResult{n, err}
	}()
	return clientApp, upstreamApp, ch
}

func waitRelay(t *testing.T, ch <-chan relayResult) relayResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitLong):
		t.Fatal("relay did not finish")
		return relayResult{}
	}
}

func TestRelay_BothDirections(t *testing.T) {
	t.Parallel()

	clientApp, upstreamApp, result := startRelay(context.Background(), t, Options{BufferSize: 4})

	_, err := clientApp.Write([]byte("hello world"))
	require.NoError(t, err)
	got := make([]byte, 11)
	_, err = io.ReadFull(upstreamApp, got)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	_, err = upstreamApp.Write([]byte("ok"))
	require.NoError(t, err)
	got = make([]byte, 2)
	_, err = io.ReadFull(clientApp, got)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))

	require.NoError(t, clientApp.Close())
	r := waitRelay(t, result)
	require.NoError(t, r.err)
	assert.EqualValues(t, 13, r.n)
}

func TestRelay_SilentDirectionDoesNotStall(t *testing.T) {
	t.Parallel()

	clientApp, upstreamApp, result := startRelay(context.Background(), t, Options{})

	// The upstream never answers; each client message must still arrive.
	for _, msg := range []string{"one", "two", "three"} {
		_, err := clientApp.Write([]byte(msg))
		require.NoError(t, err)
		got := make([]byte, len(msg))
		require.NoError(t, upstreamApp.SetReadDeadline(time.Now().Add(waitLong)))
		_, err = io.ReadFull(upstreamApp, got)
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
	}

	require.NoError(t, upstreamApp.Close())
	r := waitRelay(t, result)
	require.NoError(t, r.err)
	assert.EqualValues(t, 11, r.n)
}

func TestRelay_UpstreamCloses(t *testing.T) {
	t.Parallel()

	clientApp, upstreamApp, result := startRelay(context.Background(), t, Options{})

	_, err := upstreamApp.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, upstreamApp.Close())

	require.NoError(t, clientApp.SetReadDeadline(time.Now().Add(waitLong)))
	got, err := io.ReadAll(clientApp)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(got))

	r := waitRelay(t, result)
	require.NoError(t, r.err)
	assert.EqualValues(t, 3, r.n)
}

func TestRelay_ContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	_, _, result := startRelay(ctx, t, Options{})

	cancel()
	r := waitRelay(t, result)
	require.NoError(t, r.err)
	assert.Zero(t, r.n)
}

func TestRelay_IdleTimeout(t *testing.T) {
	t.Parallel()

	clientApp, upstreamApp, result := startRelay(context.Background(), t, Options{IdleTimeout: 50 * time.Millisecond})

	_, err := clientApp.Write([]byte("x"))
	require.NoError(t, err)
	got := make([]byte, 1)
	_, err = io.ReadFull(upstreamApp, got)
	require.NoError(t, err)

	r := waitRelay(t, result)
	var ne net.Error
	require.True(t, errors.As(r.err, &ne), "got %v", r.err)
	assert.True(t, ne.Timeout())
	assert.EqualValues(t, 1, r.n)
}

func TestConnect_Tunnel(t *testing.T) {
	t.Parallel()

	origin := startOrigin(t, echoOrigin)
	tp := startProxy(t, map[string]string{"example.com:443": origin}, Options{})

	conn, reader := dialProxy(t, tp.addr)
	_, err := io.WriteString(conn, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n"+authHeader()+"\r\n")
	require.NoError(t, err)

	status := make([]byte, len(connectEstablished))
	_, err = io.ReadFull(reader, status)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 Connection Established\r\n\r\n", string(status))

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = io.ReadFull(reader, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return tp.agg.Visits("example.com") == 1
	}, waitLong, tick)
	assert.EqualValues(t, 8, tp.agg.BandwidthBytes())
}

func TestConnect_PipelinedBytes(t *testing.T) {
	t.Parallel()

	origin := startOrigin(t, echoOrigin)
	tp := startProxy(t, map[string]string{"example.com:443": origin}, Options{})

	conn, reader := dialProxy(t, tp.addr)
	_, err := io.WriteString(conn, "CONNECT example.com:443 HTTP/1.1\r\n"+authHeader()+"\r\nEARLY")
	require.NoError(t, err)

	got := make([]byte, len(connectEstablished)+len("EARLY"))
	_, err = io.ReadFull(reader, got)
	require.NoError(t, err)
	assert.Equal(t, connectEstablished+"EARLY", string(got))
}

func TestConnect_Errors(t *testing.T) {
	t.Parallel()

	refused := closedAddr(t)
	tp := startProxy(t, map[string]string{"example.com:443": refused}, Options{})

	tests := []struct {
		name   string
		target string
		status string
	}{
		{"Refused", "example.com:443", "HTTP/1.1 502 Bad Gateway"},
		{"NoPort", "example.com", "HTTP/1.1 400 Bad Request"},
		{"NonNumericPort", "example.com:https", "HTTP/1.1 400 Bad Request"},
		{"PortOutOfRange", "example.com:70000", "HTTP/1.1 400 Bad Request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, reader := dialProxy(t, tp.addr)
			_, err := io.WriteString(conn, "CONNECT "+tt.target+" HTTP/1.1\r\n"+authHeader()+"\r\n")
			require.NoError(t, err)

			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			assert.Equal(t, tt.status+"\r\n", line)
		})
	}

	assert.Zero(t, tp.agg.BandwidthBytes())
	assert.Zero(t, tp.agg.Visits("example.com"))
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}
