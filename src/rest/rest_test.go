package rest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Arguments{
		Token:       "test-token",
		BaseURL:     baseURL,
		BackoffUnit: time.Millisecond,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// limitHeaders writes the standard rate-limit header set on a response.
func limitHeaders(w http.ResponseWriter, bucketID string, remaining int, resetAfter string) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", "5")
	h.Set("X-RateLimit-Remaining", fmt.Sprint(remaining))
	h.Set("X-RateLimit-Reset-After", resetAfter)
	h.Set("X-RateLimit-Bucket", bucketID)
}

func TestRequestSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot test-token", r.Header.Get("Authorization"))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/channels/123/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"content":"hello"}`, string(body))
		limitHeaders(w, "abcd", 4, "2")
		w.Write([]byte(`{"id":"9","content":"hello"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	defer c.Close()

	raw, err := c.Request(testContext(t), routeCreateMessage,
		RouteParams{"channel_id": "123"}, map[string]string{"content": "hello"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"9","content":"hello"}`, string(raw))
}

func TestRequestSerializesPerScope(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		limitHeaders(w, "abcd", 4, "2")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	defer c.Close()
	ctx := testContext(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Request(ctx, routeCreateMessage, RouteParams{"channel_id": "123"}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestRequestDeferredRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limitHeaders(w, "abcd", 0, "0.2")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	defer c.Close()
	ctx := testContext(t)

	start := time.Now()
	_, err := c.Request(ctx, routeCreateMessage, RouteParams{"channel_id": "123"}, nil)
	require.NoError(t, err)
	first := time.Since(start)
	assert.Less(t, first, 150*time.Millisecond, "caller must not be held past its own response")

	// The scope reported itself exhausted, so the next call waits out the
	// window before its request is admitted.
	start = time.Now()
	_, err = c.Request(ctx, routeCreateMessage, RouteParams{"channel_id": "123"}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestRequestIndependentScopesRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	var arrived atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived.Add(1)
		<-release
		limitHeaders(w, "abcd", 4, "2")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	defer c.Close()
	ctx := testContext(t)

	var wg sync.WaitGroup
	for _, channel := range []string{"111", "222"} {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			_, err := c.Request(ctx, routeCreateMessage, RouteParams{"channel_id": channel}, nil)
			assert.NoError(t, err)
		}(channel)
	}

	require.Eventually(t, func() bool { return arrived.Load() == 2 },
		2*time.Second, 5*time.Millisecond,
		"different major parameters must not serialize against each other")
	close(release)
	wg.Wait()
}

func TestGlobalRateLimitGatesAllScopes(t *testing.T) {
	var messageHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/channels/123/messages" {
			if messageHits.Add(1) == 1 {
				w.Header().Set("X-RateLimit-Global", "true")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"message":"You are being rate limited.","retry_after":0.3,"global":true}`))
				return
			}
		}
		limitHeaders(w, "abcd", 4, "2")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	defer c.Close()
	ctx := testContext(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.Request(ctx, routeCreateMessage, RouteParams{"channel_id": "123"}, nil)
		assert.NoError(t, err)
	}()

	// Let the first call trip the global limit, then hit an unrelated route.
	require.Eventually(t, func() bool { return messageHits.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	_, err := c.Request(ctx, routeDeleteChannel, RouteParams{"channel_id": "456"}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"unrelated scope must wait out the global window")
	wg.Wait()
	assert.Equal(t, int32(2), messageHits.Load())
}

func TestScoped429Retries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"You are being rate limited.","retry_after":0.05,"global":false}`))
			return
		}
		limitHeaders(w, "abcd", 4, "2")
		w.Write([]byte(`{"id":"9"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	defer c.Close()

	raw, err := c.Request(testContext(t), routeCreateMessage, RouteParams{"channel_id": "123"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"9"}`, string(raw))
	assert.Equal(t, int32(2), hits.Load())
}

func TestScoped429ClearsStaleReleaseDelay(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			// Exhausted for a long window, but the retry lands in a fresh
			// one with quota to spare.
			limitHeaders(w, "abcd", 0, "5")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"You are being rate limited.","retry_after":0.05,"global":false}`))
			return
		}
		limitHeaders(w, "abcd", 4, "2")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	defer c.Close()
	ctx := testContext(t)

	_, err := c.Request(ctx, routeCreateMessage, RouteParams{"channel_id": "123"}, nil)
	require.NoError(t, err)

	// The scope must be released on the final attempt's headers, not held
	// for the exhausted window of the 429.
	start := time.Now()
	_, err = c.Request(ctx, routeCreateMessage, RouteParams{"channel_id": "123"}, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int32(3), hits.Load())
}

func TestUndeclared429IsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`<html>rate limited</html>`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	defer c.Close()

	_, err := c.Request(testContext(t), routeCreateMessage, RouteParams{"channel_id": "123"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHTTP)

	apiErr := new(APIError)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, int32(1), hits.Load(), "a 429 with no declared delay must not be re-sent")
}

func TestTransientFailuresExhaustAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`upstream connect error`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	defer c.Close()

	_, err := c.Request(testContext(t), routeCreateMessage, RouteParams{"channel_id": "123"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)

	apiErr := new(APIError)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, int32(3), hits.Load(), "no fourth request after attempts are spent")
}

func TestTransientFailureThenSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		limitHeaders(w, "abcd", 4, "2")
		w.Write([]byte(`{"id":"9"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	defer c.Close()

	raw, err := c.Request(testContext(t), routeCreateMessage, RouteParams{"channel_id": "123"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"9"}`, string(raw))
	assert.Equal(t, int32(3), hits.Load())
}

func TestTerminalStatusDoesNotRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Unknown Channel","code":10003}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	defer c.Close()

	_, err := c.Request(testContext(t), routeCreateMessage, RouteParams{"channel_id": "123"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrForbidden)

	apiErr := new(APIError)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, 10003, apiErr.Body.Code)
	assert.Equal(t, "Unknown Channel", apiErr.Body.Message)
	assert.Equal(t, int32(1), hits.Load())
}

func TestBucketMigration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limitHeaders(w, "real-bucket", 3, "2")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	defer c.Close()
	ctx := testContext(t)

	_, err := c.Request(ctx, routeCreateMessage, RouteParams{"channel_id": "123"}, nil)
	require.NoError(t, err)

	c.mu.Lock()
	assert.Equal(t, "real-bucket", c.routeBuckets[routeCreateMessage.key()])
	migrated, ok := c.buckets["real-bucket___123///"]
	c.mu.Unlock()
	require.True(t, ok, "bucket must be re-keyed under the server-assigned id")

	// Same route against another channel lands in its own scope under the
	// already-known bucket id.
	_, err = c.Request(ctx, routeCreateMessage, RouteParams{"channel_id": "456"}, nil)
	require.NoError(t, err)

	c.mu.Lock()
	other, ok := c.buckets["real-bucket___456///"]
	c.mu.Unlock()
	require.True(t, ok)
	assert.NotSame(t, migrated, other)
}

func TestRequestJSONDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway/bot", r.URL.Path)
		w.Write([]byte(`{"url":"wss://gateway.discord.gg","shards":2,
			"session_start_limit":{"total":1000,"remaining":999,"reset_after":14400000,"max_concurrency":1}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	defer c.Close()

	gw, err := c.GetGatewayBot(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.discord.gg", gw.URL)
	assert.Equal(t, 2, gw.Shards)
	assert.Equal(t, 999, gw.SessionStartLimit.Remaining)
}

func TestRequestAfterClose(t *testing.T) {
	c := newTestClient("http://invalid.example")
	c.Close()

	_, err := c.Request(testContext(t), routeCreateMessage, RouteParams{"channel_id": "123"}, nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}
