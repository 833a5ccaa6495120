package api

import (
	"context"
	"credproxy/internal/caller"
	"credproxy/internal/types"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Credentials is the part of the credential store the HTTP layer drives.
type Credentials interface {
	Get(ctx context.Context, domain string) (*types.TokenRecord, error)
	IsExpired(ctx context.Context, domain string) bool
	RefreshFor(ctx context.Context, domain, reason string, seen *types.TokenRecord) (*types.TokenRecord, error)
	Expire(ctx context.Context, domain string) error
	InstallCredentials(ctx context.Context, auth types.InstallAuth) (*types.TokenRecord, error)
	ExchangeAuthorizationCode(ctx context.Context, code, domain string) (*types.TokenRecord, error)
}

// Caller runs tenant API calls.
type Caller interface {
	Call(ctx context.Context, domain, method string, params any) (json.RawMessage, error)
	Batch(ctx context.Context, domain string, calls []caller.Command, opts ...caller.BatchOption) (json.RawMessage, error)
}

type Handler struct {
	Creds       Credentials
	Caller      Caller
	Production  bool
	AutoRefresh bool
	Metrics     http.Handler
}

type HandlerOption func(*Handler)

// WithProduction hides internal error messages from responses.
func WithProduction(on bool) HandlerOption {
	return func(h *Handler) { h.Production = on }
}

// WithAutoRefresh controls whether /api requests refresh an expired token or fail with TOKEN_EXPIRED.
func WithAutoRefresh(on bool) HandlerOption {
	return func(h *Handler) { h.AutoRefresh = on }
}

func NewHandler(creds Credentials, c Caller, opts ...HandlerOption) *Handler {
	h := &Handler{
		Creds:       creds,
		Caller:      c,
		AutoRefresh: true,
		Metrics:     promhttp.Handler(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Get("/", h.handleRoot)
	r.Handle("/metrics", h.Metrics)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/install-event", h.handleInstallEvent)
		r.Get("/auth", h.handleAuthCallback)
		r.Post("/auth", h.handleAuthCallback)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.handleHealth)
		r.Group(func(r chi.Router) {
			r.Use(h.requireToken)
			r.Get("/test/user", h.handleTestUser)
			r.Get("/test/contacts", h.handleTestContacts)
			r.Get("/test/leads", h.handleTestLeads)
			r.Post("/test/token-refresh", h.handleTestTokenRefresh)
			r.Post("/batch", h.handleBatch)
			r.Post("/{method}", h.handleCall)
		})
	})

	r.NotFound(handleNotFound)
	r.MethodNotAllowed(handleNotFound)
	return r
}

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Bitrix24 OAuth App API",
		"endpoints": map[string]string{
			"auth": "/auth",
			"api":  "/api",
		},
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "API is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeFailure(w, http.StatusNotFound, "NOT_FOUND", "The requested resource was not found", nil)
}

// failure is the body of every unsuccessful response.
type failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Domain  string `json:"domain,omitempty"`
	Details any    `json:"details,omitempty"`
}

func writeFailure(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, failure{Error: code, Message: message, Details: details})
}

// writeError renders err with its machine code and the matching HTTP status.
func (h *Handler) writeError(w http.ResponseWriter, domain string, err error) {
	code := types.Code(err)
	status := statusOf(code)
	msg := types.Message(err)
	if code == types.CodeInternal {
		log.WithError(err).WithField("domain", domain).Error("request failed")
		if h.Production {
			msg = "Internal server error"
		}
	}
	f := failure{Error: code, Message: msg, Domain: domain}
	var re *types.RemoteError
	if errors.As(err, &re) {
		f.Details = map[string]any{
			"status":            re.StatusCode,
			"error":             re.Code,
			"error_description": re.Description,
		}
		if re.RetryAfter != "" {
			w.Header().Set("Retry-After", re.RetryAfter)
		}
	}
	writeJSON(w, status, f)
}

func statusOf(code string) int {
	switch code {
	case types.CodeInvalidArgument, types.CodeInvalidPayload, types.CodeInvalidGrant:
		return http.StatusBadRequest
	case types.CodeNoToken, types.CodeNoRefreshToken, types.CodeRefreshFailed:
		return http.StatusUnauthorized
	case types.CodeRateLimited:
		return http.StatusTooManyRequests
	case types.CodeRemoteAPI, types.CodeTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}
