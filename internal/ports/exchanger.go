package ports

import (
	"context"
	"credproxy/internal/types"
)

// TokenExchanger talks to the authorization server token endpoint.
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, code string) (types.Grant, error)
	Refresh(ctx context.Context, refreshToken string) (types.Grant, error)
}
