package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/crescent-systems/mailharvest/internal/crypt"
	"github.com/crescent-systems/mailharvest/internal/models"
	"github.com/crescent-systems/mailharvest/internal/store"
)

// CredentialStore stores tenant credentials in postgres. Access and refresh
// tokens are sealed with the configured crypt.Box before they are written
// and opened again on read; a nil box stores them as-is.
type CredentialStore struct {
	db  *sql.DB
	box *crypt.Box
}

func NewCredentialStore(db *sql.DB, box *crypt.Box) *CredentialStore {
	return &CredentialStore{db: db, box: box}
}

func (s *CredentialStore) ListAll(ctx context.Context) ([]models.TenantCredential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, mail_address, display_name, access_token, refresh_token, expires_at_ms, scope, created_at, updated_at
		 FROM tenant_credentials ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list tenant credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.TenantCredential
	for rows.Next() {
		var c models.TenantCredential
		if err := rows.Scan(&c.SessionID, &c.MailAddress, &c.DisplayName, &c.AccessToken, &c.RefreshToken, &c.ExpiresAtMilli, &c.Scope, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant credential: %w", err)
		}
		if err := s.openTokens(&c); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (s *CredentialStore) Get(ctx context.Context, sessionID string) (*models.TenantCredential, error) {
	var c models.TenantCredential
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, mail_address, display_name, access_token, refresh_token, expires_at_ms, scope, created_at, updated_at
		 FROM tenant_credentials WHERE session_id = $1`,
		sessionID,
	).Scan(&c.SessionID, &c.MailAddress, &c.DisplayName, &c.AccessToken, &c.RefreshToken, &c.ExpiresAtMilli, &c.Scope, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("get tenant credential: %w", err)
	}
	if err := s.openTokens(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *CredentialStore) Create(ctx context.Context, cred models.TenantCredential) (*models.TenantCredential, error) {
	access, refresh, err := s.sealTokens(cred)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO tenant_credentials (session_id, mail_address, display_name, access_token, refresh_token, expires_at_ms, scope)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		cred.SessionID, cred.MailAddress, cred.DisplayName, access, refresh, cred.ExpiresAtMilli, cred.Scope,
	).Scan(&cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create tenant credential: %w", err)
	}
	return &cred, nil
}

// Save upserts the credential under the given session id. Token fields and
// expiry land in one statement, so a reader never observes an access token
// paired with a stale expiry.
func (s *CredentialStore) Save(ctx context.Context, sessionID string, cred models.TenantCredential) error {
	access, refresh, err := s.sealTokens(cred)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenant_credentials (session_id, mail_address, display_name, access_token, refresh_token, expires_at_ms, scope)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id) DO UPDATE SET
			mail_address = EXCLUDED.mail_address,
			display_name = EXCLUDED.display_name,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at_ms = EXCLUDED.expires_at_ms,
			scope = EXCLUDED.scope,
			updated_at = NOW()`,
		sessionID, cred.MailAddress, cred.DisplayName, access, refresh, cred.ExpiresAtMilli, cred.Scope,
	)
	if err != nil {
		return fmt.Errorf("save tenant credential: %w", err)
	}
	return nil
}

func (s *CredentialStore) Delete(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenant_credentials WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete tenant credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrCredentialNotFound
	}
	return nil
}

func (s *CredentialStore) sealTokens(cred models.TenantCredential) (access, refresh string, err error) {
	access, err = s.box.Seal(cred.AccessToken)
	if err != nil {
		return "", "", fmt.Errorf("seal access token: %w", err)
	}
	refresh, err = s.box.Seal(cred.RefreshToken)
	if err != nil {
		return "", "", fmt.Errorf("seal refresh token: %w", err)
	}
	return access, refresh, nil
}

func (s *CredentialStore) openTokens(c *models.TenantCredential) error {
	access, err := s.box.Open(c.AccessToken)
	if err != nil {
		return fmt.Errorf("open access token for %s: %w", c.SessionID, err)
	}
	refresh, err := s.box.Open(c.RefreshToken)
	if err != nil {
		return fmt.Errorf("open refresh token for %s: %w", c.SessionID, err)
	}
	c.AccessToken = access
	c.RefreshToken = refresh
	return nil
}
