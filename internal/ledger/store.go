// Package ledger keeps exactly one order record per idempotency key in the
// external order ledger.
package ledger

import (
	"context"
	"time"

	"github.com/inkline/orderforwarder/internal/domain"
)

// Store is the ledger collaborator. Find and Read return (nil, nil) when no
// record matches. Fields are keyed by the domain.LedgerField* names.
type Store interface {
	Find(ctx context.Context, criteria domain.LedgerCriteria) (*domain.LedgerRecord, error)
	Create(ctx context.Context, fields map[string]interface{}) (*domain.LedgerRecord, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) (*domain.LedgerRecord, error)
	Read(ctx context.Context, id string) (*domain.LedgerRecord, error)
}

// Locker guards ensure across instances. acquired=false means another holder
// has the lock; release is only set when acquired.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// Disabled is the identity returned when no ledger is configured
func Disabled() domain.LedgerIdentity {
	return domain.LedgerIdentity{Enabled: false}
}
