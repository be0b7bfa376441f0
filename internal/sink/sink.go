package sink

import (
	"context"
	"fmt"

	"github.com/crescent-systems/mailharvest/internal/models"
)

// Sink persists normalized email records to the external search store.
type Sink interface {
	Store(ctx context.Context, email *models.NormalizedEmail) error
}

// WriteError is a message-scoped persistence failure. The scheduler leaves
// the message unseen so it is retried on a later tick.
type WriteError struct {
	DocumentID string
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("sink write failed for %s: %v", e.DocumentID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// DocumentID derives the sink document identifier from the natural dedup
// key, so a replayed message overwrites its earlier copy instead of
// creating a duplicate.
func DocumentID(email *models.NormalizedEmail) string {
	return fmt.Sprintf("%s:%d", email.TenantMailAddress, email.MessageUID)
}
