package store

import (
	"context"
	"errors"

	"github.com/crescent-systems/mailharvest/internal/models"
)

var ErrCredentialNotFound = errors.New("tenant credential not found")

// CredentialStore persists per-tenant OAuth credentials. Save is an upsert
// keyed by session id; the scheduler calls it after every successful token
// refresh so access token and expiry are always written together.
type CredentialStore interface {
	ListAll(ctx context.Context) ([]models.TenantCredential, error)
	Get(ctx context.Context, sessionID string) (*models.TenantCredential, error)
	Create(ctx context.Context, cred models.TenantCredential) (*models.TenantCredential, error)
	Save(ctx context.Context, sessionID string, cred models.TenantCredential) error
	Delete(ctx context.Context, sessionID string) error
}
