// Package caller issues authenticated calls against a tenant's REST API, refreshing the tenant's token
// when it is expired or rejected and backing off when the API rate-limits.
package caller

import (
	"bytes"
	"context"
	"credproxy/internal/metrics"
	"credproxy/internal/types"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultRetryAfter = time.Second
	maxResponseBytes  = 32 << 20
)

// Credentials is what the executor needs from the credential store.
type Credentials interface {
	Get(ctx context.Context, domain string) (*types.TokenRecord, error)
	Expired(rec types.TokenRecord) bool
	RefreshFor(ctx context.Context, domain, reason string, seen *types.TokenRecord) (*types.TokenRecord, error)
}

type Executor struct {
	creds               Credentials
	client              *http.Client
	maxRateLimitRetries int
	maxRetryAfter       time.Duration
	sleep               func(ctx context.Context, d time.Duration) error
	timeNow             func() time.Time
}

type Option func(*Executor)

func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithMaxRateLimitRetries bounds the consecutive 429 retries of one call. A negative n removes the bound.
func WithMaxRateLimitRetries(n int) Option {
	return func(e *Executor) { e.maxRateLimitRetries = n }
}

// WithMaxRetryAfter caps a single Retry-After wait.
func WithMaxRetryAfter(d time.Duration) Option {
	return func(e *Executor) { e.maxRetryAfter = d }
}

func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.timeNow = now }
}

func New(creds Credentials, opts ...Option) *Executor {
	e := &Executor{
		creds:               creds,
		client:              &http.Client{Timeout: types.DefaultCallTimeout},
		maxRateLimitRetries: types.DefaultMaxRateLimitRetries,
		maxRetryAfter:       types.DefaultMaxRetryAfter,
		sleep:               Sleep,
		timeNow:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Call POSTs params as JSON to the tenant endpoint of method and returns the response body untouched.
//
// An expired token is refreshed before the first attempt. A 401 or an invalid_token error refreshes the
// token and retries once; a second rejection fails with types.ErrRefreshFailed. A 429 waits for
// Retry-After and retries without consuming the auth retry. Other failures surface as *types.RemoteError
// or types.ErrTransport.
func (e *Executor) Call(ctx context.Context, domain, method string, params any) (res json.RawMessage, err error) {
	start := time.Now()
	defer func() {
		metrics.CallDuration.Observe(time.Since(start).Seconds())
		result := metrics.ResultOK
		if err != nil {
			result = types.Code(err)
		}
		metrics.Calls.WithLabelValues(result).Inc()
	}()

	if domain == "" {
		return nil, types.Err(types.ErrInvalidArgument, nil, "domain is required")
	}
	if method == "" {
		return nil, types.Err(types.ErrInvalidArgument, nil, "method is required")
	}
	body, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	rec, err := e.creds.Get(ctx, domain)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, types.Err(types.ErrNoToken, nil, "domain %s", domain)
	}

	logger := log.WithFields(log.Fields{"domain": domain, "method": method})
	if e.creds.Expired(*rec) {
		logger.Debug("token expired, refreshing before call")
		if rec, err = e.creds.RefreshFor(ctx, domain, metrics.ReasonProactive, rec); err != nil {
			return nil, err
		}
	}

	authRetried := false
	rateLimited := 0
	for {
		resp, err := e.post(ctx, rec, method, body)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.ok():
			return resp.body, nil

		case resp.unauthorized():
			if authRetried {
				return nil, types.Err(types.ErrRefreshFailed, resp.remoteError(), "token rejected again after refresh")
			}
			authRetried = true
			logger.Info("token rejected, refreshing and retrying")
			if rec, err = e.creds.RefreshFor(ctx, domain, metrics.ReasonUnauthorized, rec); err != nil {
				if errors.Is(err, types.ErrRefreshFailed) {
					return nil, err
				}
				return nil, types.Err(types.ErrRefreshFailed, err, "")
			}

		case resp.status == http.StatusTooManyRequests:
			rateLimited++
			if e.maxRateLimitRetries >= 0 && rateLimited > e.maxRateLimitRetries {
				return nil, types.Err(types.ErrRateLimited, resp.remoteError(), "gave up after %d retries", e.maxRateLimitRetries)
			}
			wait := e.retryAfter(resp.header.Get("Retry-After"))
			metrics.RateLimitWaits.Inc()
			logger.WithFields(log.Fields{"wait": wait, "attempt": rateLimited}).Warn("rate limited, backing off")
			if err := e.sleep(ctx, wait); err != nil {
				return nil, err
			}

		default:
			return nil, resp.remoteError()
		}
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) ok() bool { return r.status >= 200 && r.status < 300 }

func (r response) unauthorized() bool {
	if r.status == http.StatusUnauthorized {
		return true
	}
	switch r.errorCode() {
	case "invalid_token", "expired_token":
		return true
	}
	return false
}

func (r response) errorCode() string {
	var eb struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(r.body, &eb)
	return eb.Error
}

func (r response) remoteError() *types.RemoteError {
	var eb struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(r.body, &eb)
	return &types.RemoteError{
		StatusCode:  r.status,
		Code:        eb.Error,
		Description: eb.ErrorDescription,
		RetryAfter:  r.header.Get("Retry-After"),
		Body:        r.body,
	}
}

func (e *Executor) post(ctx context.Context, rec *types.TokenRecord, method string, body []byte) (response, error) {
	url := rec.Endpoint() + strings.TrimPrefix(method, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return response{}, types.Err(types.ErrInvalidArgument, err, "method %q", method)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+rec.AccessToken)

	resp, err := e.client.Do(req)
	if err != nil {
		return response{}, types.Err(types.ErrTransport, err, "%s %s", rec.Domain, method)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return response{}, types.Err(types.ErrTransport, err, "read response of %s", method)
	}
	return response{status: resp.StatusCode, header: resp.Header, body: b}, nil
}

// Largest delta-seconds value that still fits a time.Duration.
const maxDeltaSeconds = float64(math.MaxInt64 / int64(time.Second))

// retryAfter turns a Retry-After value (delta seconds or an HTTP date) into a wait, capped at maxRetryAfter.
// Values that are not a usable wait (NaN, negative seconds, garbage) fall back to DefaultRetryAfter.
func (e *Executor) retryAfter(v string) time.Duration {
	d := DefaultRetryAfter
	v = strings.TrimSpace(v)
	if v != "" {
		// ErrRange still yields ±Inf or 0, which the switch below handles.
		if secs, err := strconv.ParseFloat(v, 64); err == nil || errors.Is(err, strconv.ErrRange) {
			switch {
			case math.IsNaN(secs) || secs < 0:
			case secs >= maxDeltaSeconds:
				d = time.Duration(math.MaxInt64)
			default:
				d = time.Duration(secs * float64(time.Second))
			}
		} else if at, err := http.ParseTime(v); err == nil {
			d = at.Sub(e.timeNow())
		}
	}
	if d < 0 {
		d = 0
	}
	if e.maxRetryAfter > 0 && d > e.maxRetryAfter {
		d = e.maxRetryAfter
	}
	return d
}

func encodeParams(params any) ([]byte, error) {
	if params == nil {
		return []byte("{}"), nil
	}
	switch p := params.(type) {
	case json.RawMessage:
		if len(p) == 0 {
			return []byte("{}"), nil
		}
		return p, nil
	case []byte:
		if len(p) == 0 {
			return []byte("{}"), nil
		}
		return p, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, types.Err(types.ErrInvalidArgument, err, "params are not JSON encodable")
	}
	if string(b) == "null" {
		return []byte("{}"), nil
	}
	return b, nil
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait interrupted: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
