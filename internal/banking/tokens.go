package banking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/contaflux/contaflux/internal/vault"
)

// TokenSource hands out usable access tokens for stored connections,
// refreshing through the connector when the current token is missing or
// about to expire. Concurrent requests for the same connection share one
// refresh; the provider sees a single call.
type TokenSource struct {
	Connector Connector
	Vault     *vault.Vault
	Store     TokenStore

	// Leeway refreshes tokens this close to expiry instead of risking a
	// mid-sync 401. Zero means one minute.
	Leeway time.Duration

	group singleflight.Group
}

// AccessToken returns a plaintext bearer token for the connection. On a
// rejected refresh token the connection is marked expired so the operator
// knows re-consent is needed.
func (ts *TokenSource) AccessToken(ctx context.Context, auth ConnectionAuth) (string, error) {
	if !auth.AccessToken.Empty() && time.Until(auth.ExpiresAt) > ts.leeway() {
		token, err := ts.Vault.Reveal(auth.AccessToken)
		if err == nil {
			return token, nil
		}
		// unreadable ciphertext, fall through and refresh
	}

	v, err, _ := ts.group.Do(auth.ID, func() (interface{}, error) {
		return ts.refresh(ctx, auth)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (ts *TokenSource) refresh(ctx context.Context, auth ConnectionAuth) (string, error) {
	if auth.RefreshToken.Empty() {
		return "", &AuthError{Reason: "connection has no refresh token, re-consent required"}
	}
	refreshToken, err := ts.Vault.Reveal(auth.RefreshToken)
	if err != nil {
		return "", &AuthError{Reason: "stored refresh token unreadable, re-consent required"}
	}

	tokens, err := ts.Connector.Refresh(ctx, refreshToken)
	if errors.Is(err, ErrInvalidGrant) {
		if markErr := ts.Store.MarkExpired(ctx, auth.ID); markErr != nil {
			return "", fmt.Errorf("mark connection expired: %w", markErr)
		}
		return "", fmt.Errorf("refresh rejected: %w", err)
	}
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}

	sealedAccess, err := ts.Vault.Seal(tokens.AccessToken)
	if err != nil {
		return "", fmt.Errorf("seal access token: %w", err)
	}
	sealedRefresh, err := ts.Vault.Seal(tokens.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("seal refresh token: %w", err)
	}
	if err := ts.Store.UpdateTokens(ctx, auth.ID, sealedAccess.Encode(), sealedRefresh.Encode(), tokens.ExpiresAt); err != nil {
		return "", fmt.Errorf("persist tokens: %w", err)
	}
	return tokens.AccessToken, nil
}

func (ts *TokenSource) leeway() time.Duration {
	if ts.Leeway > 0 {
		return ts.Leeway
	}
	return time.Minute
}
