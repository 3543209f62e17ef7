package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMetricsPath     = "/metrics"
	defaultTopSites        = 10
	defaultBufferSize      = 4096
	defaultShutdownTimeout = 10 * time.Second
)

func New(logger *zap.Logger, verifier CredentialVerifier, m Metrics, opts Options) *Proxy {
	if opts.MetricsPath == "" {
		opts.MetricsPath = defaultMetricsPath
	}
	if opts.TopSites <= 0 {
		opts.TopSites = defaultTopSites
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Proxy{
		Logger:   logger,
		verifier: verifier,
		metrics:  m,
		opts:     opts,
		dial:     (&net.Dialer{Timeout: opts.DialTimeout}).DialContext,
	}
}

// Listen opens the proxy listener, terminating TLS when tlsConfig is set.
func Listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}
	return listener, nil
}

// Start runs the proxy server on addr until ctx is done.
func (p *Proxy) Start(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	listener, err := Listen(addr, tlsConfig)
	if err != nil {
		return err
	}
	return p.Serve(ctx, listener)
}

// Serve accepts connections and runs one session per connection. Once ctx
// is done the listener is closed and in-flight sessions get ShutdownTimeout
// to finish before their connections are cut.
func (p *Proxy) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()
	stopListener := context.AfterFunc(ctx, func() { listener.Close() })
	defer stopListener()

	sessCtx, cutSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer cutSessions()

	p.Logger.Info("Proxy server started", zap.String("addr", listener.Addr().String()))

	var wg sync.WaitGroup
	var serveErr error
	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var ne net.Error
			if (errors.As(err, &ne) && ne.Timeout()) || isTemporary(err) {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				p.Logger.Error("Error accepting connection", zap.Error(err), zap.Duration("retryIn", backoff))
				time.Sleep(backoff)
				continue
			}
			serveErr = err
			break
		}
		backoff = 0

		wg.Add(1)
		go func() {
			defer wg.Done()
			p.handleConnection(sessCtx, conn)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.opts.ShutdownTimeout):
		p.Logger.Warn("Shutdown timeout reached, closing remaining sessions")
		cutSessions()
		<-done
	}

	p.Logger.Info("Proxy server stopped")
	return serveErr
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// handleConnection runs a single proxy session: read the request head,
// authenticate, then tunnel, serve metrics or forward.
func (p *Proxy) handleConnection(ctx context.Context, client net.Conn) {
	defer client.Close()
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	log := p.Logger.With(zap.String("clientRemoteAddr", client.RemoteAddr().String()))

	if p.opts.ReadTimeout > 0 {
		client.SetReadDeadline(time.Now().Add(p.opts.ReadTimeout))
	}
	reader := bufio.NewReader(client)
	req, err := p.parseRequest(reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		p.reject(log, client, err)
		return
	}
	client.SetReadDeadline(time.Time{})

	if err := p.verifier.Verify(req.Header.Get("Proxy-Authorization")); err != nil {
		p.reject(log, client, fmt.Errorf("%w: %w", ErrUnauthorized, err))
		return
	}

	switch {
	case req.Method == "CONNECT":
		p.handleTunnel(ctx, log, client, reader, req)
	case req.Target == p.opts.MetricsPath:
		if err := p.serveMetrics(client); err != nil {
			log.Error("Failed to serve metrics", zap.Error(err))
		}
	default:
		p.handleHTTP(ctx, log, client, reader, req)
	}
}

func (p *Proxy) reject(log *zap.Logger, client net.Conn, err error) {
	log.Warn("Request rejected", zap.Int("status", statusFor(err)), zap.Error(err))
	p.sendError(client, err)
}
