// Package cost holds the per-job spend ledger and provider rate estimates.
package cost

import (
	"context"
	"math"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrBudgetExceeded is returned once a job has no budget left for another call.
var ErrBudgetExceeded = eris.New("job budget exceeded")

// epsilon absorbs float rounding when comparing sums of prices to the ceiling.
const epsilon = 1e-9

// Reservation is budget held for one in-flight provider call.
type Reservation struct {
	amount float64
	done   bool
}

// Budget is the shared spend ledger of one job. Every field worker goes
// through the same mutex, so two fields can never both pass a check that
// only one of them can satisfy. A nil limit means unlimited.
type Budget struct {
	mu        sync.Mutex
	limit     *float64
	spent     float64
	reserved  float64
	exhausted bool
	// settled is closed and replaced whenever a reservation is committed or
	// released.
	settled chan struct{}
}

// NewBudget returns a ledger with the given ceiling, seeded with what the job
// already spent in earlier runs.
func NewBudget(limit *float64, spent float64) *Budget {
	b := &Budget{spent: spent}
	if limit != nil {
		l := *limit
		b.limit = &l
		if spent > l+epsilon {
			b.exhausted = true
		}
	}
	return b
}

// Reserve holds estimate for a call about to be made. The budget is declared
// exhausted only when the estimate does not fit next to committed spend. When
// it fits but other calls hold the remaining room, Reserve waits for those
// reservations to settle and checks again.
func (b *Budget) Reserve(ctx context.Context, estimate float64) (*Reservation, error) {
	if estimate < 0 || math.IsNaN(estimate) {
		estimate = 0
	}
	for {
		b.mu.Lock()
		if b.exhausted {
			b.mu.Unlock()
			return nil, ErrBudgetExceeded
		}
		if b.limit == nil || b.spent+b.reserved+estimate <= *b.limit+epsilon {
			b.reserved += estimate
			b.mu.Unlock()
			return &Reservation{amount: estimate}, nil
		}
		if b.spent+estimate > *b.limit+epsilon {
			b.exhausted = true
			err := eris.Wrapf(ErrBudgetExceeded, "spent %.4f estimate %.4f limit %.4f",
				b.spent, estimate, *b.limit)
			b.mu.Unlock()
			return nil, err
		}
		if b.settled == nil {
			b.settled = make(chan struct{})
		}
		wait := b.settled
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Commit converts a reservation into actual spend. If the actual cost would
// push spend over the ceiling nothing is recorded, the budget is declared
// exhausted and ErrBudgetExceeded is returned.
func (b *Budget) Commit(r *Reservation, actual float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.releaseLocked(r)
	if b.limit != nil && b.spent+actual > *b.limit+epsilon {
		b.exhausted = true
		return eris.Wrapf(ErrBudgetExceeded, "spent %.4f actual %.4f limit %.4f", b.spent, actual, *b.limit)
	}
	b.spent += actual
	return nil
}

// Release returns a reservation without spending it, e.g. after a rejected
// or failed call.
func (b *Budget) Release(r *Reservation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked(r)
}

func (b *Budget) releaseLocked(r *Reservation) {
	if r == nil || r.done {
		return
	}
	r.done = true
	b.reserved -= r.amount
	if b.reserved < epsilon {
		b.reserved = 0
	}
	if b.settled != nil {
		close(b.settled)
		b.settled = nil
	}
}

// Exhausted reports whether no further calls may be made.
func (b *Budget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exhausted
}

// Spent returns the committed spend.
func (b *Budget) Spent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// Limit returns the ceiling, or nil when unlimited.
func (b *Budget) Limit() *float64 {
	return b.limit
}
