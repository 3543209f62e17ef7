package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// handleHTTP forwards a plain HTTP request and records the visit once a
// response has been relayed.
func (p *Proxy) handleHTTP(ctx context.Context, log *zap.Logger, client net.Conn, reader *bufio.Reader, req *HTTPRequest) {
	host, port, err := req.upstream()
	if err != nil {
		p.reject(log, client, err)
		return
	}
	if p.opts.BlockList.Blocked(host) {
		p.reject(log, client, fmt.Errorf("%w: %s", ErrBlockedHost, host))
		return
	}

	log.Info("HTTP request",
		zap.String("method", req.Method),
		zap.String("host", host),
		zap.String("path", req.Target))

	// The body is read with the same idle bound as the upstream side.
	body := bufio.NewReader(withIdleTimeout(&bufferedConn{Conn: client, reader: reader}, p.opts.IdleTimeout))

	start := time.Now()
	n, err := p.forward(ctx, client, body, req, net.JoinHostPort(host, port))
	if err != nil && (errors.Is(err, ErrMalformedRequest) || statusFor(err) == http.StatusBadGateway) {
		// Nothing reached the client yet and there is nothing to account.
		p.reject(log, client, err)
		return
	}
	if err != nil {
		log.Warn("HTTP forward incomplete", zap.String("host", host), zap.Error(err))
	}
	p.metrics.Record(host, uint64(n))

	log.Info("HTTP response relayed",
		zap.String("host", host),
		zap.Int64("bytes", n),
		zap.Duration("duration", time.Since(start)))
}

// forward replays req to target over a fresh connection and relays the
// response back with Content-Length framing. It returns the number of body
// bytes written to the client.
func (p *Proxy) forward(ctx context.Context, client io.Writer, body *bufio.Reader, req *HTTPRequest, target string) (int64, error) {
	// Connect to target
	server, err := p.dial(ctx, "tcp", target)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer server.Close()
	stop := context.AfterFunc(ctx, func() { server.Close() })
	defer stop()
	server = withIdleTimeout(server, p.opts.IdleTimeout)

	// Forward request
	if err := writeRequest(server, body, req); err != nil {
		return 0, fmt.Errorf("writing request: %w", err)
	}

	// Forward response
	resp, err := p.parseResponse(bufio.NewReader(server), req.Method)
	if err != nil {
		return 0, err
	}

	p.Logger.Debug("HTTP response",
		zap.String("proto", resp.Proto),
		zap.Int("status", resp.StatusCode))

	return writeUpstreamResponse(client, req.Method, resp)
}

// upstreamWriter marks write failures so they can be told apart from
// failures reading the client's body.
type upstreamWriter struct {
	w io.Writer
}

func (u upstreamWriter) Write(b []byte) (int, error) {
	n, err := u.w.Write(b)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}
	return n, err
}

// writeRequest sends the request line and client headers unchanged, minus
// the proxy credential, followed by the request body. Upstream write errors
// wrap ErrUpstreamUnreachable; anything else is the client's fault and wraps
// ErrMalformedRequest.
func writeRequest(server io.Writer, body *bufio.Reader, req *HTTPRequest) error {
	err := copyRequest(bufio.NewWriter(upstreamWriter{server}), body, req)
	if err == nil || errors.Is(err, ErrUpstreamUnreachable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrMalformedRequest, err)
}

func copyRequest(w *bufio.Writer, body *bufio.Reader, req *HTTPRequest) error {
	header := req.Header.Without("Proxy-Authorization")
	if req.ContentLength < 0 {
		// The body is re-chunked, so a Content-Length alongside it must go.
		header = header.Without("Content-Length")
	}

	fmt.Fprintf(w, "%s %s %s\r\n", req.Method, req.Target, req.Protocol)
	if _, err := header.WriteTo(w); err != nil {
		return err
	}
	w.WriteString("\r\n")

	switch {
	case req.ContentLength > 0:
		if _, err := io.CopyN(w, body, req.ContentLength); err != nil {
			return fmt.Errorf("copy request body: %w", err)
		}
	case req.ContentLength < 0:
		cw := httputil.NewChunkedWriter(w)
		if _, err := io.Copy(cw, httputil.NewChunkedReader(body)); err != nil {
			return fmt.Errorf("copy chunked request body: %w", err)
		}
		if err := cw.Close(); err != nil {
			return err
		}
		w.WriteString("\r\n")
		// Discard client trailers so nothing is left unread on the socket.
		budget := maxHeaderBytes
		if _, err := readHeader(body, &budget); err != nil {
			return fmt.Errorf("read request trailers: %w", err)
		}
	}
	return w.Flush()
}

// writeUpstreamResponse relays resp to the client. Transfer-Encoding is
// dropped since the body has already been decoded; responses that carry a
// body get a recomputed Content-Length.
func writeUpstreamResponse(client io.Writer, method string, resp *HTTPResponse) (int64, error) {
	w := bufio.NewWriter(client)

	status := resp.Status
	if status == "" {
		status = http.StatusText(resp.StatusCode)
	}
	fmt.Fprintf(w, "%s %d %s\r\n", resp.Proto, resp.StatusCode, status)

	header := resp.Header.Without("Transfer-Encoding", "Connection")
	if hasBody(method, resp.StatusCode) {
		header = header.Without("Content-Length")
		header.Add("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	header.Add("Connection", "close")
	if _, err := header.WriteTo(w); err != nil {
		return 0, err
	}
	w.WriteString("\r\n")
	if err := w.Flush(); err != nil {
		return 0, err
	}

	n, err := client.Write(resp.Body)
	return int64(n), err
}
