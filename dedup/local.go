package dedup

import (
	"context"
)

// RunLocal runs work for key on this node unless the key is already in
// flight, in which case the existing record's Future is returned and work is
// not invoked.
//
// On a fresh claim the node broadcasts startack and runs work on its own
// goroutine once the claim has settled (the larger of Config.ClaimSettle
// and Config.LocalTick). The Future resolves with work's value,
// or fails with the very error work returned; peers receive finish or
// finish_error accordingly. If an earlier competing claim arrives before work
// starts, work is skipped and the Future settles with the winner's outcome.
func (c *Coordinator) RunLocal(ctx context.Context, key string, work WorkFunc) (*Future, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if work == nil {
		return nil, ErrNilWork
	}
	// Claiming under c.mu orders the insert against Close: either Close's
	// sweep sees the record or this call sees closed.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if !c.started {
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	rec, inserted := c.registry.Claim(c.newOwnerRecord(key))
	if !inserted {
		c.mu.Unlock()
		return rec.future, nil
	}
	c.wg.Add(1)
	c.mu.Unlock()

	// Work outlives the caller's ctx but not the coordinator.
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.ctx, cancel)
	rec.future.Observe(func(any, error) {
		stop()
		cancel()
	})

	c.claimed(workCtx, rec, work)
	return rec.future, nil
}
