package proxy

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/mohamedbeat/gyxy-auth/metrics"
)

type HTTPRequest struct {
	Method   string
	Target   string
	Protocol string
	Header   Header

	// ContentLength is -1 for a chunked body and 0 when there is none.
	ContentLength int64
}

type HTTPResponse struct {
	Proto      string
	StatusCode int
	Status     string
	Header     Header
	Body       []byte
}

// CredentialVerifier checks a Proxy-Authorization header value.
type CredentialVerifier interface {
	Verify(header string) error
}

// Metrics is the shared usage aggregator every session reports to.
type Metrics interface {
	Record(host string, bytes uint64)
	Snapshot(topN int) metrics.Snapshot
}

type Options struct {
	MetricsPath string
	TopSites    int
	BufferSize  int
	BlockList   *BlockList

	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type Proxy struct {
	Logger *zap.Logger

	verifier CredentialVerifier
	metrics  Metrics
	opts     Options
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}
