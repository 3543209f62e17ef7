package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http/httputil"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// parseResponse reads one final response from the upstream. Interim 1xx
// responses are skipped. A body cut short by the upstream is returned as far
// as it was read.
func (p *Proxy) parseResponse(reader *bufio.Reader, method string) (*HTTPResponse, error) {
	budget := maxHeaderBytes

	var resp *HTTPResponse
	for {
		var err error
		resp, err = readResponseHead(reader, &budget)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamProtocol, err)
		}
		if resp.StatusCode >= 200 || resp.StatusCode == 101 {
			break
		}
	}

	if !hasBody(method, resp.StatusCode) {
		return resp, nil
	}

	var body io.Reader
	switch {
	case resp.Header.isChunked():
		body = httputil.NewChunkedReader(reader)
	case resp.Header.Has("Content-Length"):
		length, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("%w: invalid Content-Length %q", ErrUpstreamProtocol, resp.Header.Get("Content-Length"))
		}
		body = io.LimitReader(reader, length)
	default:
		// Delimited by the upstream closing the connection.
		body = reader
	}

	var err error
	resp.Body, err = io.ReadAll(body)
	if err != nil {
		p.Logger.Debug("Upstream body ended early",
			zap.Int("status", resp.StatusCode),
			zap.Int("bytes", len(resp.Body)),
			zap.Error(err))
	}
	return resp, nil
}

func readResponseHead(reader *bufio.Reader, budget *int) (*HTTPResponse, error) {
	// Status line
	statusLine, err := readLine(reader, budget)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("upstream closed before sending a status line")
		}
		return nil, err
	}

	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return nil, fmt.Errorf("malformed status line %q", statusLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 3 || code < 100 {
		return nil, fmt.Errorf("malformed status code in %q", statusLine)
	}

	resp := &HTTPResponse{Proto: parts[0], StatusCode: code}
	if len(parts) > 2 {
		resp.Status = parts[2]
	}

	// Headers
	resp.Header, err = readHeader(reader, budget)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func hasBody(method string, status int) bool {
	if method == "HEAD" {
		return false
	}
	return status >= 200 && status != 204 && status != 304
}
