package caller

import (
	"context"
	"credproxy/internal/backends/memory"
	"credproxy/internal/credentials"
	"credproxy/internal/types"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"
)

const domain = "acme.bitrix24.com"

type fakeExchanger struct {
	refreshes atomic.Int32
	err       error
}

func (f *fakeExchanger) ExchangeCode(context.Context, string) (types.Grant, error) {
	return types.Grant{}, errors.New("not used")
}

func (f *fakeExchanger) Refresh(_ context.Context, refreshToken string) (types.Grant, error) {
	if f.err != nil {
		return types.Grant{}, f.err
	}
	f.refreshes.Add(1)
	return types.Grant{AccessToken: "at-new", RefreshToken: "rt-new", ExpiresIn: 3600}, nil
}

// attempt is what the fake tenant API saw on one request.
type attempt struct {
	Path  string
	Token string
	Body  string
}

type ExecutorTestSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	tokens   *memory.TokenStore
	ex       *fakeExchanger
	store    *credentials.Store
	srv      *httptest.Server
	mu       sync.Mutex
	attempts []attempt
	replies  []func(w http.ResponseWriter) // consumed in order, the last one repeats
	sleeps   []time.Duration
	exec     *Executor
}

func (s *ExecutorTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Now()
	s.tokens = memory.NewTokenStore()
	s.ex = &fakeExchanger{}
	s.store = credentials.NewStore(s.tokens, s.ex, credentials.WithClock(func() time.Time { return s.now }))
	s.attempts = nil
	s.sleeps = nil
	s.replies = []func(w http.ResponseWriter){reply(http.StatusOK, `{"result":{"ID":"1"}}`)}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.attempts = append(s.attempts, attempt{Path: r.URL.Path, Token: r.Header.Get("Authorization"), Body: string(b)})
		next := s.replies[0]
		if len(s.replies) > 1 {
			s.replies = s.replies[1:]
		}
		s.mu.Unlock()
		next(w)
	}))
	s.exec = s.newExecutor()
	s.seed(s.now)
}

func (s *ExecutorTestSuite) TearDownTest() {
	s.srv.Close()
}

func (s *ExecutorTestSuite) newExecutor(opts ...Option) *Executor {
	base := []Option{
		WithHTTPClient(s.srv.Client()),
		WithClock(func() time.Time { return s.now }),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			s.sleeps = append(s.sleeps, d)
			return nil
		}),
	}
	return New(s.store, append(base, opts...)...)
}

func (s *ExecutorTestSuite) seed(savedAt time.Time) {
	s.Require().NoError(s.tokens.Put(s.ctx, domain, types.TokenRecord{
		Domain:         domain,
		AccessToken:    "at-old",
		RefreshToken:   "rt-old",
		ExpiresIn:      3600,
		SavedAtMs:      savedAt.UnixMilli(),
		ClientEndpoint: s.srv.URL + "/rest",
	}))
}

func (s *ExecutorTestSuite) script(replies ...func(w http.ResponseWriter)) {
	s.replies = replies
}

func reply(status int, body string, headers ...string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		for i := 0; i+1 < len(headers); i += 2 {
			w.Header().Set(headers[i], headers[i+1])
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (s *ExecutorTestSuite) TestSuccessReturnsBodyVerbatim() {
	res, err := s.exec.Call(s.ctx, domain, "crm.contact.list", map[string]any{"select": []string{"ID", "NAME"}})
	s.Require().NoError(err)
	s.JSONEq(`{"result":{"ID":"1"}}`, string(res))

	s.Require().Len(s.attempts, 1)
	s.Equal("/rest/crm.contact.list", s.attempts[0].Path)
	s.Equal("Bearer at-old", s.attempts[0].Token)
	s.JSONEq(`{"select":["ID","NAME"]}`, s.attempts[0].Body)
	s.Zero(s.ex.refreshes.Load())
}

func (s *ExecutorTestSuite) TestNilParamsSendEmptyObject() {
	_, err := s.exec.Call(s.ctx, domain, "user.current", nil)
	s.Require().NoError(err)
	s.Equal("{}", s.attempts[0].Body)
}

func (s *ExecutorTestSuite) TestInvalidArguments() {
	_, err := s.exec.Call(s.ctx, "", "user.current", nil)
	s.ErrorIs(err, types.ErrInvalidArgument)
	_, err = s.exec.Call(s.ctx, domain, "", nil)
	s.ErrorIs(err, types.ErrInvalidArgument)
	_, err = s.exec.Call(s.ctx, domain, "user.current", make(chan int))
	s.ErrorIs(err, types.ErrInvalidArgument)
	s.Empty(s.attempts)
}

func (s *ExecutorTestSuite) TestNoToken() {
	_, err := s.exec.Call(s.ctx, "unknown.bitrix24.com", "user.current", nil)
	s.ErrorIs(err, types.ErrNoToken)
	s.Equal(types.CodeNoToken, types.Code(err))
	s.Empty(s.attempts)
}

func (s *ExecutorTestSuite) TestProactiveRefresh() {
	s.seed(s.now.Add(-2 * time.Hour))

	_, err := s.exec.Call(s.ctx, domain, "user.current", nil)
	s.Require().NoError(err)
	s.EqualValues(1, s.ex.refreshes.Load())
	s.Require().Len(s.attempts, 1)
	s.Equal("Bearer at-new", s.attempts[0].Token)
}

func (s *ExecutorTestSuite) TestUnauthorizedOnceRefreshesAndRetries() {
	s.script(
		reply(http.StatusUnauthorized, `{"error":"expired_token","error_description":"The access token provided has expired."}`),
		reply(http.StatusOK, `{"result":true}`),
	)

	res, err := s.exec.Call(s.ctx, domain, "user.current", nil)
	s.Require().NoError(err)
	s.JSONEq(`{"result":true}`, string(res))
	s.EqualValues(1, s.ex.refreshes.Load())
	s.Require().Len(s.attempts, 2)
	s.Equal("Bearer at-old", s.attempts[0].Token)
	s.Equal("Bearer at-new", s.attempts[1].Token)
}

func (s *ExecutorTestSuite) TestInvalidTokenBodyCountsAsUnauthorized() {
	s.script(
		reply(http.StatusBadRequest, `{"error":"invalid_token"}`),
		reply(http.StatusOK, `{"result":true}`),
	)

	_, err := s.exec.Call(s.ctx, domain, "user.current", nil)
	s.Require().NoError(err)
	s.EqualValues(1, s.ex.refreshes.Load())
	s.Len(s.attempts, 2)
}

func (s *ExecutorTestSuite) TestUnauthorizedTwiceFails() {
	s.script(reply(http.StatusUnauthorized, `{"error":"invalid_token"}`))

	_, err := s.exec.Call(s.ctx, domain, "user.current", nil)
	s.ErrorIs(err, types.ErrRefreshFailed)
	s.Equal(types.CodeRefreshFailed, types.Code(err))
	s.EqualValues(1, s.ex.refreshes.Load())
	s.Len(s.attempts, 2)
}

func (s *ExecutorTestSuite) TestRefreshFailureAfterUnauthorized() {
	s.script(reply(http.StatusUnauthorized, `{"error":"invalid_token"}`))
	s.ex.err = &types.RemoteError{StatusCode: 400, Code: "invalid_grant"}

	_, err := s.exec.Call(s.ctx, domain, "user.current", nil)
	s.ErrorIs(err, types.ErrRefreshFailed)
	s.Len(s.attempts, 1)
}

func (s *ExecutorTestSuite) TestRateLimitWaitsForRetryAfter() {
	s.script(
		reply(http.StatusTooManyRequests, `{"error":"QUERY_LIMIT_EXCEEDED"}`, "Retry-After", "2"),
		reply(http.StatusOK, `{"result":true}`),
	)

	_, err := s.exec.Call(s.ctx, domain, "user.current", nil)
	s.Require().NoError(err)
	s.Equal([]time.Duration{2 * time.Second}, s.sleeps)
	s.Len(s.attempts, 2)
	s.Zero(s.ex.refreshes.Load())
}

func (s *ExecutorTestSuite) TestRateLimitRetriesUntilNot429() {
	s.script(
		reply(http.StatusTooManyRequests, `{}`),
		reply(http.StatusTooManyRequests, `{}`, "Retry-After", s.now.Add(5*time.Second).UTC().Format(http.TimeFormat)),
		reply(http.StatusTooManyRequests, `{}`, "Retry-After", "600"),
		reply(http.StatusOK, `{"result":true}`),
	)

	_, err := s.exec.Call(s.ctx, domain, "user.current", nil)
	s.Require().NoError(err)
	s.Require().Len(s.sleeps, 3)
	s.Equal(DefaultRetryAfter, s.sleeps[0])
	s.InDelta(float64(5*time.Second), float64(s.sleeps[1]), float64(time.Second))
	s.Equal(types.DefaultMaxRetryAfter, s.sleeps[2])
	s.Len(s.attempts, 4)
}

func (s *ExecutorTestSuite) TestRateLimitBound() {
	s.script(reply(http.StatusTooManyRequests, `{"error":"QUERY_LIMIT_EXCEEDED"}`, "Retry-After", "1"))
	exec := s.newExecutor(WithMaxRateLimitRetries(3))

	_, err := exec.Call(s.ctx, domain, "user.current", nil)
	s.ErrorIs(err, types.ErrRateLimited)
	s.Equal(types.CodeRateLimited, types.Code(err))
	var re *types.RemoteError
	s.Require().True(errors.As(err, &re))
	s.Equal(http.StatusTooManyRequests, re.StatusCode)
	s.Len(s.sleeps, 3)
	s.Len(s.attempts, 4)
}

func (s *ExecutorTestSuite) TestRateLimitUnbounded() {
	var replies []func(w http.ResponseWriter)
	for i := 0; i < 25; i++ {
		replies = append(replies, reply(http.StatusTooManyRequests, `{"error":"QUERY_LIMIT_EXCEEDED"}`, "Retry-After", "1"))
	}
	s.script(append(replies, reply(http.StatusOK, `{"result":true}`))...)
	exec := s.newExecutor(WithMaxRateLimitRetries(-1))

	res, err := exec.Call(s.ctx, domain, "user.current", nil)
	s.Require().NoError(err)
	s.JSONEq(`{"result":true}`, string(res))
	s.Len(s.sleeps, 25)
	s.Len(s.attempts, 26)
	s.Zero(s.ex.refreshes.Load())
}

func (s *ExecutorTestSuite) TestRetryAfterValues() {
	cases := []struct {
		header string
		want   time.Duration
	}{
		{"", DefaultRetryAfter},
		{"2", 2 * time.Second},
		{" 0.5 ", 500 * time.Millisecond},
		{"0", 0},
		{"abc", DefaultRetryAfter},
		{"-3", DefaultRetryAfter},
		{"NaN", DefaultRetryAfter},
		{"-Inf", DefaultRetryAfter},
		{"Inf", types.DefaultMaxRetryAfter},
		{"1e300", types.DefaultMaxRetryAfter},
		{"1e400", types.DefaultMaxRetryAfter},
		{"9223372037", types.DefaultMaxRetryAfter},
		{s.now.Add(-time.Minute).UTC().Format(http.TimeFormat), 0},
	}
	for _, tc := range cases {
		s.Equal(tc.want, s.exec.retryAfter(tc.header), "Retry-After %q", tc.header)
	}

	uncapped := s.newExecutor(WithMaxRetryAfter(0))
	s.Equal(time.Duration(math.MaxInt64), uncapped.retryAfter("1e300"))
	s.Equal(90*time.Second, uncapped.retryAfter("90"))
}

func (s *ExecutorTestSuite) TestRateLimitDoesNotResetAuthRetry() {
	s.script(
		reply(http.StatusUnauthorized, `{"error":"invalid_token"}`),
		reply(http.StatusTooManyRequests, `{}`, "Retry-After", "1"),
		reply(http.StatusUnauthorized, `{"error":"invalid_token"}`),
	)

	_, err := s.exec.Call(s.ctx, domain, "user.current", nil)
	s.ErrorIs(err, types.ErrRefreshFailed)
	s.EqualValues(1, s.ex.refreshes.Load())
	s.Len(s.attempts, 3)
}

func (s *ExecutorTestSuite) TestRemoteError() {
	s.script(reply(http.StatusBadRequest, `{"error":"ERROR_METHOD_NOT_FOUND","error_description":"Method not found!"}`))

	_, err := s.exec.Call(s.ctx, domain, "no.such.method", nil)
	s.ErrorIs(err, types.ErrRemoteAPI)
	var re *types.RemoteError
	s.Require().True(errors.As(err, &re))
	s.Equal(http.StatusBadRequest, re.StatusCode)
	s.Equal("ERROR_METHOD_NOT_FOUND", re.Code)
	s.Equal("Method not found!", re.Description)
	s.Contains(err.Error(), "(400): Method not found!")
	s.Zero(s.ex.refreshes.Load())
}

func (s *ExecutorTestSuite) TestTransportError() {
	s.srv.Close()

	_, err := s.exec.Call(s.ctx, domain, "user.current", nil)
	s.ErrorIs(err, types.ErrTransport)
	s.Equal(types.CodeTransport, types.Code(err))
}

func (s *ExecutorTestSuite) TestBatchEncodesCommandsInOrder() {
	_, err := s.exec.Batch(s.ctx, domain, []Command{
		{Method: "a", Params: map[string]any{"x": 1}},
		{Method: "b", Params: map[string]any{"y": 2}},
	})
	s.Require().NoError(err)
	s.Require().Len(s.attempts, 1)
	s.Equal("/rest/batch", s.attempts[0].Path)
	s.Equal(`{"cmd[0]":"a?x=1","cmd[1]":"b?y=2"}`, s.attempts[0].Body)
}

func (s *ExecutorTestSuite) TestBatchKeepsIndexOrderPastTen() {
	calls := make([]Command, 12)
	for i := range calls {
		calls[i] = Command{Method: "user.get"}
	}
	_, err := s.exec.Batch(s.ctx, domain, calls, Halt())
	s.Require().NoError(err)

	body := s.attempts[0].Body
	last := -1
	for i := range calls {
		pos := strings.Index(body, fmt.Sprintf(`"cmd[%d]":"user.get?"`, i))
		s.Require().Greater(pos, last, "cmd[%d] out of order in %s", i, body)
		last = pos
	}
	s.True(strings.HasSuffix(body, `,"halt":1}`))

	var decoded map[string]any
	s.Require().NoError(json.Unmarshal([]byte(body), &decoded))
	s.Len(decoded, 13)
}

func (s *ExecutorTestSuite) TestBatchRejectsEmptyCalls() {
	_, err := s.exec.Batch(s.ctx, domain, nil)
	s.ErrorIs(err, types.ErrInvalidArgument)
	_, err = s.exec.Batch(s.ctx, domain, []Command{{Method: ""}})
	s.ErrorIs(err, types.ErrInvalidArgument)
	s.Empty(s.attempts)
}

func TestExecutorTestSuite(t *testing.T) {
	suite.Run(t, new(ExecutorTestSuite))
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep did not return early")
	}
}
