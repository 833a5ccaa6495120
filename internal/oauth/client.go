// Package oauth exchanges authorization codes and refresh tokens with the marketplace authorization server.
package oauth

import (
	"context"
	"credproxy/internal/types"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Client implements ports.TokenExchanger on top of golang.org/x/oauth2.
// Client credentials are sent as request parameters, which is what the Bitrix24 token endpoint expects.
type Client struct {
	cfg        *oauth2.Config
	httpClient *http.Client
	timeNow    func() time.Time
}

type Option func(*Client)

// WithHTTPClient sets the HTTP client used for token requests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func NewClient(clientID, clientSecret, tokenURL, redirectURL string, opts ...Option) *Client {
	c := &Client{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		timeNow: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) ExchangeCode(ctx context.Context, code string) (types.Grant, error) {
	tok, err := c.cfg.Exchange(c.withHTTP(ctx), code)
	if err != nil {
		return types.Grant{}, c.translate(err)
	}
	return c.grant(tok), nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (types.Grant, error) {
	// A token without an access token is never valid, so the source always performs the refresh grant.
	tok, err := c.cfg.TokenSource(c.withHTTP(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return types.Grant{}, c.translate(err)
	}
	return c.grant(tok), nil
}

func (c *Client) withHTTP(ctx context.Context) context.Context {
	if c.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// translate turns an upstream rejection into a *types.RemoteError and a failed round trip into ErrTransport.
// A malformed token response (e.g. missing access_token) counts as a rejection.
func (c *Client) translate(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &types.RemoteError{
			StatusCode:  status,
			Code:        re.ErrorCode,
			Description: re.ErrorDescription,
			Body:        re.Body,
		}
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return types.Err(types.ErrTransport, err, "token endpoint")
	}
	return &types.RemoteError{StatusCode: http.StatusOK, Description: err.Error()}
}

func (c *Client) grant(tok *oauth2.Token) types.Grant {
	g := types.Grant{
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		ExpiresIn:      extraInt(tok, "expires_in"),
		Domain:         extraString(tok, "domain"),
		MemberID:       extraString(tok, "member_id"),
		UserID:         extraString(tok, "user_id"),
		ClientEndpoint: extraString(tok, "client_endpoint"),
		ServerEndpoint: extraString(tok, "server_endpoint"),
		Scope:          extraString(tok, "scope"),
		Status:         extraString(tok, "status"),
	}
	if g.ExpiresIn <= 0 && !tok.Expiry.IsZero() {
		g.ExpiresIn = int64(math.Round(tok.Expiry.Sub(c.timeNow()).Seconds()))
	}
	return g
}

func extraString(tok *oauth2.Token, key string) string {
	switch v := tok.Extra(key).(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func extraInt(tok *oauth2.Token, key string) int64 {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
