package proxy

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func parseResp(t *testing.T, raw, method string) (*HTTPResponse, error) {
	t.Helper()
	p := New(zaptest.NewLogger(t), nil, nil, Options{})
	return p.parseResponse(bufio.NewReader(strings.NewReader(raw)), method)
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		method string
		status int
		body   string
	}{
		{"Chunked", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\ntest\r\n0\r\n\r\n", "GET", 200, "test"},
		{"MultiChunk", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nfoo\r\na\r\n0123456789\r\n0\r\n\r\n", "GET", 200, "foo0123456789"},
		{"ContentLength", "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabcdef", "GET", 200, "abc"},
		{"UntilClose", "HTTP/1.0 200 OK\r\n\r\nall of it", "GET", 200, "all of it"},
		{"TruncatedChunk", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\na\r\nabc", "GET", 200, "abc"},
		{"Head", "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n", "HEAD", 200, ""},
		{"NoContent", "HTTP/1.1 204 No Content\r\n\r\nignored", "DELETE", 204, ""},
		{"NotModified", "HTTP/1.1 304 Not Modified\r\nContent-Length: 10\r\n\r\n", "GET", 304, ""},
		{"SkipsInterim", "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 103 Early Hints\r\nLink: </a>\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", "POST", 200, "ok"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := parseResp(t, tt.raw, tt.method)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.body, string(resp.Body))
		})
	}
}

func TestParseResponseErrors(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"",
		"garbage\r\n\r\n",
		"HTTP/1.1 OK\r\n\r\n",
		"HTTP/1.1 2000 OK\r\n\r\n",
		"HTTP/1.1 200 OK\r\nbroken\r\n\r\n",
		"HTTP/1.1 200 OK\r\nContent-Length: x\r\n\r\n",
		"HTTP/1.1 200 OK\r\nHost: a\r\n",
	} {
		_, err := parseResp(t, raw, "GET")
		assert.ErrorIs(t, err, ErrUpstreamProtocol, "%q", raw)
	}
}

func TestWriteUpstreamResponse(t *testing.T) {
	t.Parallel()

	resp := &HTTPResponse{
		Proto:      "HTTP/1.1",
		StatusCode: 200,
		Status:     "OK",
		Header: Header{
			{"Content-Type", "text/plain"},
			{"Transfer-Encoding", "chunked"},
			{"Set-Cookie", "a=1"},
			{"Set-Cookie", "b=2"},
			{"Connection", "keep-alive"},
		},
		Body: []byte("test"),
	}

	var buf bytes.Buffer
	n, err := writeUpstreamResponse(&buf, "GET", resp)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n"+
		"Content-Type: text/plain\r\n"+
		"Set-Cookie: a=1\r\n"+
		"Set-Cookie: b=2\r\n"+
		"Content-Length: 4\r\n"+
		"Connection: close\r\n"+
		"\r\n"+
		"test", buf.String())

	buf.Reset()
	_, err = writeUpstreamResponse(&buf, "GET", &HTTPResponse{Proto: "HTTP/1.1", StatusCode: 404})
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", buf.String())
}
