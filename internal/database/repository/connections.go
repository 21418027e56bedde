package repository

import (
	"context"
	"database/sql"
	"time"
)

// ConnectionRepo handles bank connections.
type ConnectionRepo struct{ db *sql.DB }

func NewConnectionRepo(db *sql.DB) *ConnectionRepo { return &ConnectionRepo{db: db} }

const connectionCols = `id, company_id, provider_code, external_account_id, agency, account_number,
 status, access_token, refresh_token, token_expires_at, consent_id, balance, balance_updated_at,
 last_synced_at, last_error, sync_frequency_hours, created_at, updated_at`

func (r *ConnectionRepo) Insert(ctx context.Context, c Connection) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO bank_connections(
	 id, company_id, provider_code, external_account_id, agency, account_number,
	 status, consent_id, sync_frequency_hours, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, c.ID, c.CompanyID, c.ProviderCode, c.ExternalAccountID, c.Agency, c.AccountNumber,
		c.Status, c.ConsentID, c.SyncFrequencyHours)
	return err
}

func (r *ConnectionRepo) Get(ctx context.Context, id string) (*Connection, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+connectionCols+` FROM bank_connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *ConnectionRepo) ListForCompany(ctx context.Context, companyID string) ([]Connection, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+connectionCols+` FROM bank_connections WHERE company_id = ? ORDER BY created_at`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

// ListSyncable returns connections eligible for synchronization. Expired,
// errored and disabled connections need operator attention first.
func (r *ConnectionRepo) ListSyncable(ctx context.Context) ([]Connection, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+connectionCols+` FROM bank_connections
	WHERE status IN ('active', 'pending') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

// UpdateTokens stores freshly sealed tokens and reactivates the connection.
func (r *ConnectionRepo) UpdateTokens(ctx context.Context, id, access, refresh string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE bank_connections
	SET access_token = ?, refresh_token = ?, token_expires_at = ?,
	 status = 'active', last_error = NULL, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`, access, refresh, expiresAt, id)
	return err
}

func (r *ConnectionRepo) UpdateBalance(ctx context.Context, id string, balanceCents int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE bank_connections SET balance = ?, balance_updated_at = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`, balanceCents, at, id)
	return err
}

// MarkSynced records a successful sync pass.
func (r *ConnectionRepo) MarkSynced(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE bank_connections
	SET last_synced_at = ?, status = 'active', last_error = NULL, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`, at, id)
	return err
}

// SetError flags the connection without touching its tokens.
func (r *ConnectionRepo) SetError(ctx context.Context, id, msg string) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE bank_connections SET status = 'error', last_error = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`, msg, id)
	return err
}

// MarkExpired flags a connection whose refresh token was rejected. The
// user has to re-consent before the connection can sync again.
func (r *ConnectionRepo) MarkExpired(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE bank_connections SET status = 'expired', updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`, id)
	return err
}

func (r *ConnectionRepo) Disable(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE bank_connections SET status = 'disabled', updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`, id)
	return err
}

func collectConnections(rows *sql.Rows) ([]Connection, error) {
	var out []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConnection(row scanner) (Connection, error) {
	var c Connection
	var agency, access, refresh, consent, lastErr sql.NullString
	var expires, balanceAt, synced sql.NullTime
	var balance sql.NullInt64
	if err := row.Scan(&c.ID, &c.CompanyID, &c.ProviderCode, &c.ExternalAccountID, &agency,
		&c.AccountNumber, &c.Status, &access, &refresh, &expires, &consent, &balance,
		&balanceAt, &synced, &lastErr, &c.SyncFrequencyHours, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Connection{}, err
	}
	if agency.Valid {
		c.Agency = &agency.String
	}
	if access.Valid {
		c.AccessToken = &access.String
	}
	if refresh.Valid {
		c.RefreshToken = &refresh.String
	}
	if expires.Valid {
		c.TokenExpiresAt = &expires.Time
	}
	if consent.Valid {
		c.ConsentID = &consent.String
	}
	if balance.Valid {
		c.BalanceCents = &balance.Int64
	}
	if balanceAt.Valid {
		c.BalanceUpdatedAt = &balanceAt.Time
	}
	if synced.Valid {
		c.LastSyncedAt = &synced.Time
	}
	if lastErr.Valid {
		c.LastError = &lastErr.String
	}
	return c, nil
}
