package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handleTunnel serves a CONNECT request: dial the target, confirm to the
// client and relay opaque bytes until either side goes away.
func (p *Proxy) handleTunnel(ctx context.Context, log *zap.Logger, client net.Conn, reader *bufio.Reader, req *HTTPRequest) {
	host, port, err := req.upstream()
	if err != nil {
		p.reject(log, client, err)
		return
	}
	if p.opts.BlockList.Blocked(host) {
		p.reject(log, client, fmt.Errorf("%w: %s", ErrBlockedHost, host))
		return
	}

	server, err := p.dial(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		p.reject(log, client, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err))
		return
	}
	defer server.Close()

	if _, err := io.WriteString(client, connectEstablished); err != nil {
		log.Error("Failed to send 200 response", zap.Error(err))
		return
	}
	log.Info("Tunnel established", zap.String("host", host), zap.String("port", port))

	start := time.Now()
	n, err := p.relay(ctx, &bufferedConn{Conn: client, reader: reader}, server)
	if err != nil {
		log.Debug("Tunnel relay error", zap.String("host", host), zap.Error(err))
	}
	p.metrics.Record(host, uint64(n))

	log.Info("Tunnel closed",
		zap.String("host", host),
		zap.Int64("bytes", n),
		zap.Duration("duration", time.Since(start)))
}

// relay pumps bytes in both directions concurrently. When either direction
// ends both connections are closed, which unblocks the other pump. The
// returned count is the sum of both directions, also on error.
func (p *Proxy) relay(ctx context.Context, client, server net.Conn) (int64, error) {
	var total atomic.Int64

	var once sync.Once
	var closeErr error
	shutdown := func() {
		once.Do(func() {
			closeErr = multierr.Append(client.Close(), server.Close())
		})
	}
	stop := context.AfterFunc(ctx, shutdown)
	defer stop()

	client = withIdleTimeout(client, p.opts.IdleTimeout)
	server = withIdleTimeout(server, p.opts.IdleTimeout)

	var g errgroup.Group
	g.Go(func() error {
		defer shutdown()
		return pump(server, client, p.opts.BufferSize, &total)
	})
	g.Go(func() error {
		defer shutdown()
		return pump(client, server, p.opts.BufferSize, &total)
	})
	err := g.Wait()

	if closeErr != nil {
		p.Logger.Debug("Closing tunnel connections", zap.Error(closeErr))
	}
	return total.Load(), err
}

// pump copies src to dst until src ends. End of stream and a connection
// closed by the opposite pump are normal termination.
func pump(dst, src net.Conn, bufSize int, total *atomic.Int64) error {
	buf := make([]byte, bufSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			total.Add(int64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return relayErr(werr)
			}
		}
		if rerr != nil {
			return relayErr(rerr)
		}
	}
}

func relayErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
