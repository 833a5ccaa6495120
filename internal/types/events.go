package types

const (
	EventInstalled = "credentials.installed"
	EventExchanged = "credentials.exchanged"
	EventRefreshed = "credentials.refreshed"
)

// CredentialEvent is published after a token record is created or replaced. It never carries token values.
// SavedAt and Expires are Unix milliseconds.
type CredentialEvent struct {
	Type     string `json:"type"`
	Domain   string `json:"domain"`
	MemberID string `json:"member_id,omitempty"`
	SavedAt  int64  `json:"saved_at"`
	Expires  int64  `json:"expires_at"`
}
