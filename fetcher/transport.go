package fetcher

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
)

// requestIDHeader carries the binding between a colly request and the
// caller's context. It never leaves the process.
const requestIDHeader = "X-Scraper-Request-Id"

// contextTransport attaches the caller's context to outgoing requests so a
// canceled run interrupts requests in flight. colly builds its http.Request
// without one.
type contextTransport struct {
	base     http.RoundTripper
	seq      atomic.Uint64
	inflight sync.Map // id -> context.Context
}

// bind registers ctx and returns the id to send in requestIDHeader.
func (t *contextTransport) bind(ctx context.Context) (string, func()) {
	id := strconv.FormatUint(t.seq.Add(1), 10)
	t.inflight.Store(id, ctx)
	return id, func() { t.inflight.Delete(id) }
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	id := req.Header.Get(requestIDHeader)
	if id == "" {
		return base.RoundTrip(req)
	}

	ctx := req.Context()
	if v, ok := t.inflight.Load(id); ok {
		ctx = v.(context.Context)
	}
	out := req.Clone(ctx)
	out.Header.Del(requestIDHeader)
	return base.RoundTrip(out)
}
