package ports

import (
	"context"
	"credproxy/internal/types"
)

// TokenStore persists one TokenRecord per tenant domain.
// Implementations MUST read and write a record atomically as a whole; no cross-key transaction is required.
// Implementations MUST create their backing storage on first use.
type TokenStore interface {
	// Load returns the record for domain.
	// If no record exists, (nil,nil) MUST be returned.
	Load(ctx context.Context, domain string) (*types.TokenRecord, error)

	// Put replaces the record stored under domain.
	Put(ctx context.Context, domain string, record types.TokenRecord) error

	ListDomains(ctx context.Context) ([]string, error)

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, domain string) error

	// ClearAll purges all records. Used in tests only.
	ClearAll(ctx context.Context) error
}

// Snapshotter is implemented by stores that keep every record in a single document.
// WriteAll replaces the whole mapping.
type Snapshotter interface {
	ReadAll(ctx context.Context) (map[string]types.TokenRecord, error)
	WriteAll(ctx context.Context, records map[string]types.TokenRecord) error
}
