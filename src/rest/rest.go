package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultBaseURL = "https://discord.com/api/v10"

// Route is a method plus a path template with {name} placeholders. The
// template, not the substituted path, keys the rate-limit scope.
type Route struct {
	Method string
	Path   string
}

func (r Route) key() string {
	return r.Method + ":" + r.Path
}

// RouteParams substitute into the path template. The channel_id, guild_id,
// webhook_id and webhook_token entries are the major parameters that split a
// route into independent rate-limit scopes.
type RouteParams map[string]string

func (r Route) url(base string, params RouteParams) string {
	path := r.Path
	for k, v := range params {
		path = strings.ReplaceAll(path, "{"+k+"}", v)
	}
	return base + path
}

type Arguments struct {
	Token string

	// BaseURL defaults to the v10 API base.
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string

	// MaxAttempts bounds transient-failure retries per logical call.
	// Defaults to 3.
	MaxAttempts int

	// BackoffUnit scales the transient backoff (1+attempt)*unit. Defaults
	// to one second.
	BackoffUnit time.Duration

	Logger *slog.Logger
}

// Client executes REST calls under Discord's distributed rate-limit scheme:
// one lock per discovered bucket, header-driven quota tracking, deferred
// release of exhausted scopes and a process-wide gate for global 429s.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	userAgent   string
	maxAttempts int
	backoffUnit time.Duration
	log         *slog.Logger

	mu           sync.Mutex
	buckets      map[string]*bucket
	routeBuckets map[string]string
	timers       map[*time.Timer]struct{}
	closed       bool

	global globalGate
}

func NewClient(args Arguments) *Client {
	if args.BaseURL == "" {
		args.BaseURL = defaultBaseURL
	}
	if args.HTTPClient == nil {
		args.HTTPClient = http.DefaultClient
	}
	if args.UserAgent == "" {
		args.UserAgent = "DiscordBot (https://github.com/mrvillage/quarrel-go, v1)"
	}
	if args.MaxAttempts == 0 {
		args.MaxAttempts = 3
	}
	if args.BackoffUnit == 0 {
		args.BackoffUnit = time.Second
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	return &Client{
		httpClient:   args.HTTPClient,
		baseURL:      args.BaseURL,
		token:        args.Token,
		userAgent:    args.UserAgent,
		maxAttempts:  args.MaxAttempts,
		backoffUnit:  args.BackoffUnit,
		log:          args.Logger,
		buckets:      make(map[string]*bucket),
		routeBuckets: make(map[string]string),
		timers:       make(map[*time.Timer]struct{}),
	}
}

// Request executes one logical call through the route's bucket. body is
// JSON-encoded when non-nil. The returned bytes are the raw response body of
// the first successful attempt.
func (c *Client) Request(ctx context.Context, route Route, params RouteParams, body any) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	url := route.url(c.baseURL, params)

	b := c.resolveBucket(route, params)
	if err := b.lock(ctx); err != nil {
		return nil, err
	}
	releaseDelay := time.Duration(0)
	defer func() { c.release(b, releaseDelay) }()

	var lastStatus int
	var lastBody []byte
	for attempt := 0; attempt < c.maxAttempts; {
		// The global gate is checked per attempt: it may have been set by
		// a concurrent caller while this one slept.
		if err := c.global.Wait(ctx); err != nil {
			return nil, err
		}

		status, header, raw, err := c.do(ctx, route.Method, url, payload)
		if err != nil {
			return nil, err
		}
		if b.update(header) {
			c.migrateBucket(b)
		}
		// Re-evaluated per attempt: a retry may land in a fresh window and
		// the scope must not stay held for a stale one.
		releaseDelay = 0
		if b.exhausted() {
			releaseDelay = b.delay()
		}
		lastStatus, lastBody = status, raw

		switch {
		case status >= 200 && status < 300:
			return raw, nil

		case status == http.StatusBadRequest,
			status == http.StatusUnauthorized,
			status == http.StatusForbidden,
			status == http.StatusNotFound,
			status == http.StatusMethodNotAllowed:
			return nil, newAPIError(status, raw)

		case status == http.StatusTooManyRequests:
			// 429 does not consume a retry slot; the caller's context is
			// the wall-time cap.
			retryAfter, global := parse429(header, raw)
			if retryAfter <= 0 {
				// No declared delay means nothing to wait out; retrying
				// immediately would just hammer the endpoint.
				return nil, newAPIError(status, raw)
			}
			if global {
				c.log.Warn("global rate limit hit", "retry_after", retryAfter)
				c.global.Set()
				err := sleep(ctx, retryAfter)
				c.global.Clear()
				if err != nil {
					return nil, err
				}
			} else {
				c.log.Debug("bucket rate limit hit", "bucket", b.key, "retry_after", retryAfter)
				if err := sleep(ctx, retryAfter); err != nil {
					return nil, err
				}
			}

		case status == http.StatusInternalServerError,
			status == http.StatusBadGateway,
			status == http.StatusGatewayTimeout:
			if err := sleep(ctx, time.Duration(1+attempt)*c.backoffUnit); err != nil {
				return nil, err
			}
			attempt++

		default:
			return nil, newAPIError(status, raw)
		}
	}
	return nil, newAPIError(lastStatus, lastBody)
}

// RequestJSON is Request plus decoding into out when out is non-nil.
func (c *Client) RequestJSON(ctx context.Context, route Route, params RouteParams, body, out any) error {
	raw, err := c.Request(ctx, route, params, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) (int, http.Header, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bot %s", c.token))
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return res.StatusCode, res.Header, raw, nil
}

func (c *Client) resolveBucket(route Route, params RouteParams) *bucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	routeKey := route.key()
	scope := routeKey
	if id, ok := c.routeBuckets[routeKey]; ok {
		scope = id
	}
	key := bucketKey(scope, params)
	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{routeKey: routeKey, key: key}
		c.buckets[key] = b
	}
	return b
}

// migrateBucket re-keys a bucket under its server-assigned id. The bucket
// object, and with it the lock and any waiters, is preserved.
func (c *Client) migrateBucket(b *bucket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routeBuckets[b.routeKey] = b.bucketID
	if c.buckets[b.key] == b {
		delete(c.buckets, b.key)
	}
	_, majors, _ := strings.Cut(b.key, "___")
	b.key = b.bucketID + "___" + majors
	c.buckets[b.key] = b
}

// release returns the bucket's lock. An exhausted scope keeps its lock until
// the window resets so no request is admitted into a scope known to be out
// of quota.
func (c *Client) release(b *bucket, delay time.Duration) {
	if delay > 0 {
		c.afterFunc(delay, func() {
			b.mu.Unlock()
			c.maybeExpire(b)
		})
		return
	}
	b.mu.Unlock()
	c.maybeExpire(b)
}

// maybeExpire garbage-collects the bucket when nothing is waiting on it and
// its window has reset. Long-running clients touch thousands of transient
// per-resource scopes; without this the registry grows without bound.
func (c *Client) maybeExpire(b *bucket) {
	if !b.mu.TryLock() {
		return
	}
	d := b.delay()
	if d <= 0 {
		c.removeBucket(b)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	c.afterFunc(d, func() {
		if b.mu.TryLock() {
			c.removeBucket(b)
			b.mu.Unlock()
		}
	})
}

func (c *Client) removeBucket(b *bucket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buckets[b.key] == b {
		delete(c.buckets, b.key)
	}
}

// afterFunc is time.AfterFunc with the timer tracked so Close can cancel it.
func (c *Client) afterFunc(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		c.mu.Lock()
		delete(c.timers, t)
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			fn()
		}
	})
	c.timers[t] = struct{}{}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close cancels all pending release and expiry timers and unblocks any
// global-gate waiters. In-flight requests finish; new ones are refused.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	for t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[*time.Timer]struct{})
	c.mu.Unlock()
	c.global.Clear()
}

func parse429(h http.Header, raw []byte) (time.Duration, bool) {
	var body struct {
		RetryAfter float64 `json:"retry_after"`
		Global     bool    `json:"global"`
	}
	_ = json.Unmarshal(raw, &body)
	global := h.Get("X-RateLimit-Global") != "" && body.Global
	retryAfter := time.Duration(body.RetryAfter * float64(time.Second))
	if retryAfter == 0 {
		if v := h.Get("Retry-After"); v != "" {
			if d, err := time.ParseDuration(v + "s"); err == nil {
				retryAfter = d
			}
		}
	}
	return retryAfter, global
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
