package proxy

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader(t *testing.T) {
	t.Parallel()

	var h Header
	h.Add("Host", "example.com")
	h.Add("Accept", "text/html")
	h.Add("accept", "*/*")
	h.Add("Transfer-Encoding", "chunked")

	assert.Equal(t, "text/html", h.Get("ACCEPT"))
	assert.Equal(t, []string{"text/html", "*/*"}, h.Values("Accept"))
	assert.True(t, h.Has("host"))
	assert.False(t, h.Has("Cookie"))
	assert.Empty(t, h.Get("Cookie"))
	assert.True(t, h.isChunked())

	stripped := h.Without("transfer-encoding", "ACCEPT")
	assert.Equal(t, Header{{"Host", "example.com"}}, stripped)
	assert.Len(t, h, 4, "Without leaves the original untouched")

	var buf bytes.Buffer
	n, err := stripped.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "Host: example.com\r\n", buf.String())
	assert.EqualValues(t, buf.Len(), n)
}

func TestHeaderIsChunked(t *testing.T) {
	t.Parallel()

	tests := []struct {
		values []string
		want   bool
	}{
		{nil, false},
		{[]string{"chunked"}, true},
		{[]string{"Chunked"}, true},
		{[]string{"gzip, chunked"}, true},
		{[]string{"chunked, gzip"}, false},
		{[]string{"gzip", "chunked"}, true},
		{[]string{"identity"}, false},
	}
	for _, tt := range tests {
		var h Header
		for _, v := range tt.values {
			h.Add("Transfer-Encoding", v)
		}
		assert.Equal(t, tt.want, h.isChunked(), "%v", tt.values)
	}
}
