package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// maxHeaderBytes bounds the request or response head read from a peer.
const maxHeaderBytes = 1 << 20

var errHeaderTooLarge = errors.New("header block too large")

// readLine reads one CRLF (or LF) terminated line, charging it against
// budget.
func readLine(reader *bufio.Reader, budget *int) (string, error) {
	line, err := reader.ReadString('\n')
	*budget -= len(line)
	if *budget < 0 {
		return "", errHeaderTooLarge
	}
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readHeader reads fields up to and including the blank line.
func readHeader(reader *bufio.Reader, budget *int) (Header, error) {
	var h Header
	for {
		line, err := readLine(reader, budget)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line == "" {
			return h, nil
		}

		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("invalid header line %q", line)
		}
		h.Add(name, strings.TrimSpace(value))
	}
}

func (p *Proxy) parseRequest(reader *bufio.Reader) (*HTTPRequest, error) {
	budget := maxHeaderBytes

	// Read request line
	firstLine, err := readLine(reader, &budget)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	parts := strings.Split(firstLine, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, firstLine)
	}
	req := &HTTPRequest{
		Method:   parts[0],
		Target:   parts[1],
		Protocol: parts[2],
	}

	// Read headers
	req.Header, err = readHeader(reader, &budget)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	switch {
	case req.Header.Has("Transfer-Encoding"):
		if !req.Header.isChunked() {
			return nil, fmt.Errorf("%w: unsupported Transfer-Encoding %q", ErrMalformedRequest, req.Header.Get("Transfer-Encoding"))
		}
		req.ContentLength = -1
	case req.Header.Has("Content-Length"):
		n, err := strconv.ParseInt(req.Header.Get("Content-Length"), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: invalid Content-Length %q", ErrMalformedRequest, req.Header.Get("Content-Length"))
		}
		req.ContentLength = n
	}
	return req, nil
}

// upstream resolves the host and port the request must be relayed to.
// CONNECT targets must be host:port with a numeric port. Other methods use
// the Host header, or the authority of an absolute-form target when no Host
// header was sent.
func (req *HTTPRequest) upstream() (host, port string, err error) {
	if req.Method == "CONNECT" {
		host, port, err = net.SplitHostPort(req.Target)
		if err != nil || host == "" || !validPort(port) {
			return "", "", fmt.Errorf("%w: CONNECT target %q", ErrInvalidTarget, req.Target)
		}
		return host, port, nil
	}

	authority := req.Header.Get("Host")
	if !strings.HasPrefix(req.Target, "/") && req.Target != "*" {
		// Absolute form. Only plain http can be forwarded; the Host header
		// still picks the upstream when present.
		u, perr := url.Parse(req.Target)
		if perr != nil || u.Host == "" {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidTarget, req.Target)
		}
		if u.Scheme != "http" {
			return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
		}
		if authority == "" {
			authority = u.Host
		}
	}
	if authority == "" {
		return "", "", ErrMissingHostHeader
	}
	return splitAuthority(authority, "80")
}

func splitAuthority(authority, defaultPort string) (string, string, error) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		// No port: strip IPv6 brackets if any.
		host, port = strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]"), defaultPort
	}
	if host == "" || !validPort(port) {
		return "", "", fmt.Errorf("%w: authority %q", ErrInvalidTarget, authority)
	}
	return host, port, nil
}

func validPort(port string) bool {
	n, err := strconv.Atoi(port)
	return err == nil && n > 0 && n <= 65535
}
