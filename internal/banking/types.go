// Package banking talks to Open Finance providers: consent and token
// lifecycle, balance and transaction retrieval, and the mapping from
// provider transaction kinds to the canonical types the rest of the
// engine works with.
package banking

import (
	"context"
	"time"

	"github.com/contaflux/contaflux/internal/vault"
)

// Consent is a pending authorization the user must approve at the bank.
type Consent struct {
	ID          string
	RedirectURL string
	ExpiresAt   time.Time
}

// ConsentRequest asks a provider for data-access permissions.
type ConsentRequest struct {
	ProviderCode string
	Permissions  []string
}

// DefaultPermissions is the scope requested when the caller does not
// narrow it.
var DefaultPermissions = []string{"ACCOUNTS_READ", "ACCOUNTS_BALANCES_READ", "RESOURCES_READ"}

// TokenSet holds plaintext tokens fresh from the provider. They live in
// memory only; persistence goes through the vault.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// AccountRef identifies a provider-side account.
type AccountRef struct {
	ProviderCode      string
	ExternalAccountID string
}

// AccountInfo is a balance snapshot.
type AccountInfo struct {
	ExternalID   string
	BalanceCents int64
	Currency     string
	AsOf         time.Time
}

// RawTransaction is one provider transaction after normalization. Kind
// keeps the provider's original code; Type is the canonical equivalent.
type RawTransaction struct {
	ExternalID          string
	Kind                string
	Type                string
	AmountCents         int64
	Currency            string
	Description         string
	OccurredAt          time.Time
	CounterpartName     string
	CounterpartDocument string
	Reference           string
	BalanceAfterCents   *int64
}

// TransactionQuery bounds a transaction listing. Pages start at 1.
type TransactionQuery struct {
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// TransactionPage is one page of results plus paging metadata.
type TransactionPage struct {
	Transactions []RawTransaction
	Page         int
	TotalPages   int
	TotalRecords int
}

// Connector drives the OAuth consent and token lifecycle with a provider.
type Connector interface {
	CreateConsent(ctx context.Context, req ConsentRequest) (Consent, error)
	ExchangeCode(ctx context.Context, code string) (TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}

// Gateway reads account data with a bearer token obtained via Connector.
type Gateway interface {
	Balance(ctx context.Context, accessToken string, ref AccountRef) (AccountInfo, error)
	Transactions(ctx context.Context, accessToken string, ref AccountRef, q TransactionQuery) (TransactionPage, error)
}

// Directory answers whether a provider code is known and active. The
// repository layer satisfies this.
type Directory interface {
	Active(ctx context.Context, code string) (bool, error)
}

// TokenStore persists refreshed tokens and expiry flags for a connection.
// The repository layer satisfies this; tokens arrive already sealed.
type TokenStore interface {
	UpdateTokens(ctx context.Context, id, access, refresh string, expiresAt time.Time) error
	MarkExpired(ctx context.Context, id string) error
}

// ConnectionAuth is the token material of one stored connection, handed
// to TokenSource by the caller that loaded the row.
type ConnectionAuth struct {
	ID           string
	ProviderCode string
	AccessToken  vault.EncryptedToken
	RefreshToken vault.EncryptedToken
	ExpiresAt    time.Time
}
