package account

import (
	"context"
	"fmt"
	"sync"
)

// Reservation holds quota for an upload between the quota check and the
// commit of its content. While a reservation is outstanding its bytes count
// against the account, so concurrent uploads cannot jointly exceed the limit.
//
// Exactly one of Commit or Release takes effect; later calls are no-ops.
// A failed Commit counts as the one that took effect.
type Reservation struct {
	dir      *Directory
	username string
	filename string
	size     int64
	limit    int64

	// held is the number of bytes added to the account's reserved counter.
	// For an overwrite it is the growth over the existing record.
	held int64

	once sync.Once
}

// Reserve checks that storing size bytes under filename keeps the account
// within limit and, if so, reserves the bytes.
//
// The check is quotaUsed + reserved + delta <= limit, where delta is size
// minus the size of an existing record of the same name (never negative).
// With legacy overwrite accounting delta is always the full size. A limit of
// zero or less disables the check.
//
// Parameters:
//   - username: Account the upload belongs to
//   - filename: Name the file will be stored under
//   - size: Payload size in bytes
//   - limit: Per-account quota in bytes, or <= 0 for unlimited
//
// Returns:
//   - *Reservation: Held quota, to be committed or released exactly once
//   - error: ErrNotFound for a missing account, ErrQuotaExceeded when the
//     bytes do not fit
func (d *Directory) Reserve(username, filename string, size, limit int64) (*Reservation, error) {
	r := &Reservation{dir: d, username: username, filename: filename, size: size, limit: limit}

	err := d.WithAccount(username, func(a *Account) error {
		delta := d.charge(a, filename, size)
		if delta < 0 {
			delta = 0
		}

		if limit > 0 && a.quotaUsed+a.reserved+delta > limit {
			return fmt.Errorf("account %q: %d used, %d reserved, %d requested, limit %d: %w",
				username, a.quotaUsed, a.reserved, delta, limit, ErrQuotaExceeded)
		}

		a.reserved += delta
		r.held = delta
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// charge is the change in quotaUsed that recording size bytes under filename
// would cause right now. Caller holds a.mu.
func (d *Directory) charge(a *Account, filename string, size int64) int64 {
	if !d.legacyOverwrite {
		if old, ok := a.files[filename]; ok {
			return size - old.Size
		}
	}
	return size
}

// Size returns the payload size the reservation was made for.
func (r *Reservation) Size() int64 {
	return r.size
}

// Commit records the file on the account and releases the reservation in a
// single critical section.
//
// The charge is recomputed against the records as they are now. If the file
// being overwritten was deleted after Reserve, the upload costs its full size
// instead of the growth; when that no longer fits the limit nothing is
// recorded and the reserved bytes are returned.
//
// Parameters:
//   - ctx: Context for the snapshot save
//
// Returns:
//   - error: ErrQuotaExceeded when the recomputed charge does not fit.
//     Calls after the first return nil.
func (r *Reservation) Commit(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		err = r.dir.mutate(ctx, r.username, func(a *Account) (bool, error) {
			a.reserved -= r.held
			delta := r.dir.charge(a, r.filename, r.size)
			if delta > r.held && r.limit > 0 && a.quotaUsed+a.reserved+delta > r.limit {
				return false, fmt.Errorf("account %q: %d used, %d reserved, %d to commit, limit %d: %w",
					r.username, a.quotaUsed, a.reserved, delta, r.limit, ErrQuotaExceeded)
			}
			a.addFile(r.filename, r.size, !r.dir.legacyOverwrite)
			return true, nil
		})
	})
	return err
}

// Release returns the reserved bytes without recording a file.
func (r *Reservation) Release() {
	r.once.Do(func() {
		_ = r.dir.WithAccount(r.username, func(a *Account) error {
			a.reserved -= r.held
			return nil
		})
	})
}
