package rest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sasha-s/go-csync"
)

// bucket is one rate-limit scope. The lock admits at most one in-flight
// request for the scope; that is the correctness property everything else
// hangs off, not an optimization. State is only mutated from response
// headers of requests that went through this bucket, under its lock.
type bucket struct {
	routeKey string
	key      string

	mu csync.Mutex

	limit      int
	remaining  int
	haveState  bool
	reset      time.Time
	resetAfter time.Duration
	bucketID   string
}

// bucketKey builds the registry key: scope id (learned bucket id, or the
// route key before discovery) plus the major parameter values that split the
// scope per resource.
func bucketKey(scope string, p RouteParams) string {
	return fmt.Sprintf("%s___%s/%s/%s/%s",
		scope, p["channel_id"], p["guild_id"], p["webhook_id"], p["webhook_token"])
}

// update ingests rate-limit headers. Returns true when the response
// disclosed the real bucket id for the first time and the bucket needs to be
// re-keyed in the registry.
func (b *bucket) update(h http.Header) bool {
	if v := h.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.limit = n
		}
	}
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.remaining = n
			b.haveState = true
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			b.reset = time.UnixMilli(int64(f * 1000))
		}
	}
	if v := h.Get("X-RateLimit-Reset-After"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			b.resetAfter = time.Duration(f * float64(time.Second))
		}
	}
	if v := h.Get("X-RateLimit-Bucket"); v != "" && b.bucketID == "" {
		b.bucketID = v
		return true
	}
	return false
}

// exhausted reports whether the scope has no quota left in this window.
func (b *bucket) exhausted() bool {
	return b.haveState && b.remaining == 0
}

// delay is how long until the scope's window resets. Reset-After wins over
// the absolute timestamp, it does not depend on clock agreement.
func (b *bucket) delay() time.Duration {
	if b.resetAfter > 0 {
		return b.resetAfter
	}
	if !b.reset.IsZero() {
		return time.Until(b.reset)
	}
	return 0
}

func (b *bucket) lock(ctx context.Context) error {
	return b.mu.CLock(ctx)
}

// globalGate is the process-wide rate-limit signal. While set, every bucket
// holds its requests; it is set and cleared only by the executor on a global
// 429.
type globalGate struct {
	mu sync.Mutex
	ch chan struct{}
}

func (g *globalGate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil {
		g.ch = make(chan struct{})
	}
}

func (g *globalGate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch != nil {
		close(g.ch)
		g.ch = nil
	}
}

func (g *globalGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}
