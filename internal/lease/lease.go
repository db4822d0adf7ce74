// Package lease implements named advisory leases backed by the database.
// A lease admits exactly one owner at a time; acquisition races are settled
// by a single conditional upsert so concurrent contenders never both win.
package lease

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentplane/agentplane/internal/db"
	"github.com/agentplane/agentplane/internal/store"
)

// Coordinator acquires, renews and releases named leases. ownerID is stable
// for the life of the process.
type Coordinator struct {
	db      *sqlx.DB
	ownerID string
}

func NewCoordinator(pool *db.Pool, ownerID string) *Coordinator {
	return &Coordinator{db: pool.Writer(), ownerID: ownerID}
}

// OwnerID returns the identity this coordinator acquires leases under.
func (c *Coordinator) OwnerID() string {
	return c.ownerID
}

// Acquire takes or renews the named lease for ttl. It succeeds when the
// lease is absent, expired, or already held by this owner; otherwise it
// returns store.ErrLeaseHeld. Acquire by a current holder extends the
// expiry, so it doubles as renewal.
func (c *Coordinator) Acquire(ctx context.Context, name string, ttl time.Duration) error {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	result, err := c.db.ExecContext(ctx, c.db.Rebind(`
		INSERT INTO leases (lease_name, owner_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(lease_name) DO UPDATE SET
			owner_id = excluded.owner_id,
			expires_at = excluded.expires_at
		WHERE leases.expires_at < ? OR leases.owner_id = ?
	`), name, c.ownerID, expiresAt, now, c.ownerID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrLeaseHeld
	}
	return nil
}

// Release gives up the named lease if this owner still holds it. Releasing
// a lease held by someone else, or not held at all, is a no-op.
func (c *Coordinator) Release(ctx context.Context, name string) error {
	_, err := c.db.ExecContext(ctx, c.db.Rebind(`
		DELETE FROM leases WHERE lease_name = ? AND owner_id = ?
	`), name, c.ownerID)
	return err
}

// Holder reports the current owner of the named lease and whether the lease
// is live. An expired or absent lease reports ("", false).
func (c *Coordinator) Holder(ctx context.Context, name string) (string, bool, error) {
	var owner string
	var expiresAt time.Time
	err := c.db.QueryRowContext(ctx, c.db.Rebind(`
		SELECT owner_id, expires_at FROM leases WHERE lease_name = ?
	`), name).Scan(&owner, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if time.Now().UTC().After(expiresAt) {
		return "", false, nil
	}
	return owner, true, nil
}
