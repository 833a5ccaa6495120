package api

import (
	"credproxy/internal/types"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"
)

const EventAppInstall = "ONAPPINSTALL"

// handleInstallEvent stores the credentials delivered with an ONAPPINSTALL event. The portal posts the
// event form-encoded (auth[domain]=...), direct callers may post JSON.
func (h *Handler) handleInstallEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "INVALID_PAYLOAD", "Request body is neither JSON nor form data", nil)
		return
	}
	h.installFrom(w, r, body)
}

func (h *Handler) installFrom(w http.ResponseWriter, r *http.Request, body map[string]any) {
	event := stringOf(body["event"])
	if event == "" {
		writeFailure(w, http.StatusBadRequest, "MISSING_EVENT", "Missing event data", nil)
		return
	}
	if event != EventAppInstall {
		log.WithField("event", event).Warn("unexpected install event type")
		writeFailure(w, http.StatusBadRequest, "INVALID_EVENT", "Invalid event type", nil)
		return
	}
	auth, _ := body["auth"].(map[string]any)
	if auth == nil || stringOf(auth["domain"]) == "" {
		writeFailure(w, http.StatusBadRequest, "MISSING_AUTH", "Missing authentication data", nil)
		return
	}
	if _, err := h.Creds.InstallCredentials(r.Context(), installAuth(auth)); err != nil {
		h.writeError(w, stringOf(auth["domain"]), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Installation event processed successfully",
	})
}

// handleAuthCallback completes the authorization-code flow. Portals that post an install event to the
// callback URL instead are handled as an install.
func (h *Handler) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "INVALID_PAYLOAD", "Request body is neither JSON nor form data", nil)
		return
	}
	q := r.URL.Query()
	code := firstOf(q.Get("code"), stringOf(body["code"]))
	domain := firstOf(q.Get("domain"), stringOf(body["domain"]))
	if code == "" || domain == "" {
		if stringOf(body["event"]) == EventAppInstall && body["auth"] != nil {
			h.installFrom(w, r, body)
			return
		}
		writeFailure(w, http.StatusBadRequest, "MISSING_PARAMS", "Missing required parameters: code and domain", nil)
		return
	}
	if _, err := h.Creds.ExchangeAuthorizationCode(r.Context(), code, domain); err != nil {
		h.writeError(w, domain, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Authentication successful",
	})
}

func installAuth(m map[string]any) types.InstallAuth {
	return types.InstallAuth{
		Domain:           stringOf(m["domain"]),
		AccessToken:      stringOf(m["access_token"]),
		RefreshToken:     stringOf(m["refresh_token"]),
		ExpiresIn:        intOf(m["expires_in"]),
		Expires:          intOf(m["expires"]),
		MemberID:         stringOf(m["member_id"]),
		ClientEndpoint:   stringOf(m["client_endpoint"]),
		ServerEndpoint:   stringOf(m["server_endpoint"]),
		ApplicationToken: stringOf(m["application_token"]),
		Status:           stringOf(m["status"]),
		Scope:            stringOf(m["scope"]),
		UserID:           stringOf(m["user_id"]),
	}
}

func intOf(v any) int64 {
	s := stringOf(v)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
