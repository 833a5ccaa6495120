package types

import (
	"fmt"
	"strings"
	"time"
)

const (
	// ExpirySafetyMargin is subtracted from the issued lifetime so that a token is considered expired a little
	// before the authorization server stops accepting it.
	ExpirySafetyMargin = 300 * time.Second

	// DefaultExpiresIn is used by install events that carry neither expires_in nor expires.
	DefaultExpiresIn = 3600

	DomainHdrName = "x-bitrix-domain"
)

// TokenRecord is the persisted credential state of one tenant, keyed by Domain.
// Writes always replace the whole record.
// SavedAt is stamped by the credential store on every save and is stored as Unix milliseconds.
// MemberID, ApplicationToken, Scope, Status, ServerEndpoint and UserID are opaque and passed through unchanged.
type TokenRecord struct {
	Domain           string `json:"domain" dynamodbav:"domain" yaml:"domain"`
	AccessToken      string `json:"access_token" dynamodbav:"access_token" yaml:"access_token"`
	RefreshToken     string `json:"refresh_token" dynamodbav:"refresh_token" yaml:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in" dynamodbav:"expires_in" yaml:"expires_in"`
	SavedAtMs        int64  `json:"savedAt" dynamodbav:"saved_at" yaml:"saved_at"`
	ClientEndpoint   string `json:"client_endpoint,omitempty" dynamodbav:"client_endpoint,omitempty" yaml:"client_endpoint,omitempty"`
	ServerEndpoint   string `json:"server_endpoint,omitempty" dynamodbav:"server_endpoint,omitempty" yaml:"server_endpoint,omitempty"`
	MemberID         string `json:"member_id,omitempty" dynamodbav:"member_id,omitempty" yaml:"member_id,omitempty"`
	UserID           string `json:"user_id,omitempty" dynamodbav:"user_id,omitempty" yaml:"user_id,omitempty"`
	ApplicationToken string `json:"application_token,omitempty" dynamodbav:"application_token,omitempty" yaml:"application_token,omitempty"`
	Scope            string `json:"scope,omitempty" dynamodbav:"scope,omitempty" yaml:"scope,omitempty"`
	Status           string `json:"status,omitempty" dynamodbav:"status,omitempty" yaml:"status,omitempty"`
}

// SavedAt returns the last save instant, or the zero time when the record was never stamped.
func (r TokenRecord) SavedAt() time.Time {
	if r.SavedAtMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.SavedAtMs)
}

func (r *TokenRecord) SetSavedAt(t time.Time) {
	r.SavedAtMs = t.UnixMilli()
}

// ExpiresAt is SavedAt + ExpiresIn. ok is false when either part is missing.
func (r TokenRecord) ExpiresAt() (at time.Time, ok bool) {
	if r.SavedAtMs <= 0 || r.ExpiresIn <= 0 {
		return time.Time{}, false
	}
	return r.SavedAt().Add(time.Duration(r.ExpiresIn) * time.Second), true
}

// ExpiredAt reports whether the record must be treated as expired at now, including the safety margin.
func (r TokenRecord) ExpiredAt(now time.Time) bool {
	at, ok := r.ExpiresAt()
	if !ok {
		return true
	}
	return now.After(at.Add(-ExpirySafetyMargin))
}

// Endpoint returns the base URL of the tenant API, always ending with a slash.
func (r TokenRecord) Endpoint() string {
	ep := r.ClientEndpoint
	if ep == "" {
		ep = DefaultClientEndpoint(r.Domain)
	}
	if !strings.HasSuffix(ep, "/") {
		ep += "/"
	}
	return ep
}

// DefaultClientEndpoint derives the REST base URL of a tenant from its domain.
func DefaultClientEndpoint(domain string) string {
	return fmt.Sprintf("https://%s/rest/", domain)
}

// Grant is what the authorization server hands back for an authorization-code or refresh-token exchange.
type Grant struct {
	AccessToken    string
	RefreshToken   string
	ExpiresIn      int64
	Domain         string
	MemberID       string
	UserID         string
	ClientEndpoint string
	ServerEndpoint string
	Scope          string
	Status         string
}

// InstallAuth is the `auth` block of an installation event.
// Expires is an absolute Unix timestamp in seconds and is only used when ExpiresIn is missing.
type InstallAuth struct {
	Domain           string `json:"domain"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Expires          int64  `json:"expires"`
	MemberID         string `json:"member_id"`
	ClientEndpoint   string `json:"client_endpoint"`
	ServerEndpoint   string `json:"server_endpoint"`
	ApplicationToken string `json:"application_token"`
	Status           string `json:"status"`
	Scope            string `json:"scope"`
	UserID           string `json:"user_id"`
}

// MaskToken keeps a short prefix of a secret for diagnostics output.
func MaskToken(s string) string {
	if len(s) <= 6 {
		return strings.Repeat("*", len(s))
	}
	return s[:6] + "..."
}
