package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"identity-reconciliation/internal/database"
)

// AdvisoryLocker takes PostgreSQL transaction-scoped advisory locks. Locks are
// released by commit or rollback, so Lock must run inside RunInTx and the
// returned release is a no-op.
type AdvisoryLocker struct{}

// NewAdvisoryLocker creates an AdvisoryLocker.
func NewAdvisoryLocker() *AdvisoryLocker { return &AdvisoryLocker{} }

// Lock acquires pg_advisory_xact_lock for every key in sorted order.
func (AdvisoryLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	tx, ok := database.TxFrom(ctx)
	if !ok {
		return nil, errors.New("advisory lock requires a transaction")
	}

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for i, key := range sorted {
		if key == "" || (i > 0 && key == sorted[i-1]) {
			continue
		}
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
			return nil, mapError(err, fmt.Sprintf("advisory lock %q", key))
		}
	}
	return func() {}, nil
}
