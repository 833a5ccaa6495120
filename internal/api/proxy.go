package api

import (
	"bytes"
	"context"
	"credproxy/internal/caller"
	"credproxy/internal/metrics"
	"credproxy/internal/types"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

var errBodyTooLarge = errors.New("request body too large")

type ctxKey struct{}

// domainFrom returns the tenant domain resolved by requireToken.
func domainFrom(ctx context.Context) string {
	d, _ := ctx.Value(ctxKey{}).(string)
	return d
}

// requireToken resolves the tenant of the request and makes sure it has a usable token before the
// handler runs. The domain comes from ?domain, the body's domain field, the X-Bitrix-Domain header or
// the Referer host, in that order.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		domain, err := extractDomain(r)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, types.CodeInvalidPayload, err.Error(), nil)
			return
		}
		if domain == "" {
			writeFailure(w, http.StatusBadRequest, "DOMAIN_REQUIRED", "Bitrix24 domain is required", nil)
			return
		}
		ctx := r.Context()
		rec, err := h.Creds.Get(ctx, domain)
		if err != nil {
			log.WithError(err).WithField("domain", domain).Error("token lookup failed")
			writeJSON(w, http.StatusInternalServerError, failure{Error: "AUTH_ERROR", Message: "Authentication check failed", Domain: domain})
			return
		}
		if rec == nil {
			writeJSON(w, http.StatusUnauthorized, failure{Error: types.CodeNoToken, Message: "No authentication tokens found for domain", Domain: domain})
			return
		}
		if h.Creds.IsExpired(ctx, domain) {
			if !h.AutoRefresh {
				writeJSON(w, http.StatusUnauthorized, failure{Error: "TOKEN_EXPIRED", Message: "Authentication token has expired", Domain: domain})
				return
			}
			if _, err := h.Creds.RefreshFor(ctx, domain, metrics.ReasonProactive, rec); err != nil {
				log.WithError(err).WithField("domain", domain).Warn("token refresh failed")
				writeJSON(w, http.StatusUnauthorized, failure{Error: types.CodeRefreshFailed, Message: "Failed to refresh authentication token", Domain: domain})
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, ctxKey{}, domain)))
	})
}

func extractDomain(r *http.Request) (string, error) {
	if d := r.URL.Query().Get("domain"); d != "" {
		return d, nil
	}
	body, err := readBody(r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return "", err
		}
		body = nil
	}
	if d := stringOf(body["domain"]); d != "" {
		return d, nil
	}
	if d := r.Header.Get(types.DomainHdrName); d != "" {
		return d, nil
	}
	if ref := r.Referer(); ref != "" {
		if u, err := url.Parse(ref); err == nil {
			return u.Hostname(), nil
		}
	}
	return "", nil
}

func (h *Handler) handleTestUser(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, "user.current", nil)
}

func (h *Handler) handleTestContacts(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, "crm.contact.list", map[string]any{
		"select": []string{"ID", "NAME", "LAST_NAME", "EMAIL", "PHONE"},
	})
}

func (h *Handler) handleTestLeads(w http.ResponseWriter, r *http.Request) {
	h.proxy(w, r, "crm.lead.list", map[string]any{
		"select": []string{"ID", "TITLE", "NAME", "PHONE", "EMAIL"},
	})
}

// handleCall forwards the JSON body, minus the routing domain field, to the named method.
func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, domainFrom(r.Context()), types.Err(types.ErrInvalidArgument, err, "request body"))
		return
	}
	delete(body, "domain")
	var params any
	if len(body) > 0 {
		params = body
	}
	h.proxy(w, r, method, params)
}

func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, method string, params any) {
	domain := domainFrom(r.Context())
	res, err := h.Caller.Call(r.Context(), domain, method, params)
	if err != nil {
		h.writeError(w, domain, err)
		return
	}
	h.writeResult(w, r, domain, res)
}

type batchRequest struct {
	Calls []caller.Command `json:"calls"`
	Halt  bool             `json:"halt"`
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	domain := domainFrom(r.Context())
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, domain, types.Err(types.ErrInvalidArgument, err, "request body"))
		return
	}
	var req batchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.writeError(w, domain, types.Err(types.ErrInvalidArgument, err, "batch body must be {\"calls\": [{\"method\", \"params\"}]}"))
		return
	}
	var opts []caller.BatchOption
	if req.Halt {
		opts = append(opts, caller.Halt())
	}
	res, err := h.Caller.Batch(r.Context(), domain, req.Calls, opts...)
	if err != nil {
		h.writeError(w, domain, err)
		return
	}
	h.writeResult(w, r, domain, res)
}

// handleTestTokenRefresh forces the stored token past its lifetime, calls user.current and reports the
// access token before and after, masked.
func (h *Handler) handleTestTokenRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	domain := domainFrom(ctx)
	before, err := h.Creds.Get(ctx, domain)
	if err == nil && before == nil {
		err = types.Err(types.ErrNoToken, nil, "domain %s", domain)
	}
	if err != nil {
		h.writeError(w, domain, err)
		return
	}
	if err := h.Creds.Expire(ctx, domain); err != nil {
		h.writeError(w, domain, err)
		return
	}
	log.WithField("domain", domain).Info("token expiration forced, testing api call")
	res, err := h.Caller.Call(ctx, domain, "user.current", nil)
	if err != nil {
		h.writeError(w, domain, err)
		return
	}
	after, err := h.Creds.Get(ctx, domain)
	if err != nil || after == nil {
		h.writeError(w, domain, fmt.Errorf("reload token: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"message":       "Token refresh test completed",
		"oldToken":      types.MaskToken(before.AccessToken),
		"newToken":      types.MaskToken(after.AccessToken),
		"apiCallResult": res,
	})
}

// writeResult wraps a tenant API response in the success envelope, projected through ?select= when given.
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, domain string, res json.RawMessage) {
	expr := r.URL.Query().Get("select")
	if expr == "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": res})
		return
	}
	var doc any
	if err := json.Unmarshal(res, &doc); err != nil {
		h.writeError(w, domain, types.Err(types.ErrRemoteAPI, err, "response is not JSON"))
		return
	}
	v, err := EvalAny(expr, doc)
	if err != nil {
		h.writeError(w, domain, types.Err(types.ErrInvalidArgument, err, "select"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": v})
}

// readBody decodes a JSON or form body into a map and puts the bytes back for the next reader.
// Form keys in bracket notation (auth[domain]) become nested maps.
func readBody(r *http.Request) (map[string]any, error) {
	if r.Body == nil {
		return map[string]any{}, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if len(raw) > maxBodyBytes {
		return nil, errBodyTooLarge
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasSuffix(ct, "json") || trimmed[0] == '{' {
		out := map[string]any{}
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	vals, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return nil, err
	}
	return nestForm(vals), nil
}

func nestForm(vals url.Values) map[string]any {
	out := map[string]any{}
	for key, vs := range vals {
		if len(vs) == 0 {
			continue
		}
		path := splitFormKey(key)
		m := out
		for _, p := range path[:len(path)-1] {
			child, ok := m[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				m[p] = child
			}
			m = child
		}
		m[path[len(path)-1]] = vs[len(vs)-1]
	}
	return out
}

// splitFormKey turns "auth[domain]" into ["auth", "domain"].
func splitFormKey(key string) []string {
	i := strings.IndexByte(key, '[')
	if i <= 0 || !strings.HasSuffix(key, "]") {
		return []string{key}
	}
	parts := []string{key[:i]}
	for _, p := range strings.Split(key[i+1:len(key)-1], "][") {
		parts = append(parts, p)
	}
	return parts
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
