package dedup

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	derrors "github.com/vinayprograms/dedupkit/errors"
	"github.com/vinayprograms/dedupkit/telemetry"
)

// A terminal broadcast gets terminalAttempts publishes before the outcome is
// reported lost.
const (
	terminalAttempts = 4
	terminalBackoff  = 10 * time.Millisecond
)

// claimed announces a fresh owner record and schedules its work. A nil work
// leaves the record waiting for an external finish. For non-nil work the
// caller has already added one to c.wg, which runOwned releases.
func (c *Coordinator) claimed(ctx context.Context, rec *Record, work WorkFunc) {
	claim := rec.Claim()
	c.metrics.RecordClaim()
	c.metrics.SetInflight(c.registry.Len())
	c.logger.Claim(rec.key, claim.Node, claim.At)
	c.event("claim", rec.key, map[string]interface{}{"claimed_at": claim.At})

	ctx, span := c.tracer.StartClaimSpan(ctx, rec.key, c.cfg.NodeID)
	err := c.publish(Message{
		Type:      TypeStartAck,
		Key:       rec.key,
		Node:      c.cfg.NodeID,
		ClaimedAt: claim.At,
		Trace:     c.tracer.Inject(ctx),
	})
	c.tracer.EndClaimSpan(span, telemetry.ClaimSpanOptions{
		ClaimedAt: claim.At,
		Outcome:   string(RoleOwner),
	}, err)
	if err != nil {
		c.settle(rec, nil, err)
		if work != nil {
			c.wg.Done()
		}
		return
	}

	if work != nil {
		go c.runOwned(ctx, rec, work)
	}
}

// runOwned waits out the claim settle period and runs work if this node is
// still the owner.
func (c *Coordinator) runOwned(ctx context.Context, rec *Record, work WorkFunc) {
	defer c.wg.Done()

	timer := time.NewTimer(c.cfg.startDelay())
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.ctx.Done():
		return
	}

	if !rec.begin() {
		// Deposed by an earlier claim; the winner's finish settles rec.
		return
	}

	execCtx, span := c.tracer.StartExecuteSpan(ctx, rec.key, string(RoleOwner))
	c.logger.ExecuteStart(rec.key)
	started := time.Now()

	value, err := invoke(execCtx, work)

	elapsed := time.Since(started)
	c.metrics.RecordExecution(elapsed, err)
	c.logger.ExecuteDone(rec.key, elapsed, err)
	c.tracer.EndExecuteSpan(span, err)
	c.event("execute", rec.key, map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
		"failed":      err != nil,
	})

	c.complete(rec, value, err)
}

// complete settles an owned record locally and broadcasts the outcome.
// Transient publish failures are retried; a closed bus is not.
func (c *Coordinator) complete(rec *Record, value any, err error) {
	if !c.settle(rec, value, err) {
		return
	}
	msg := terminalMessage(rec.key, c.cfg.NodeID, rec.Claim(), err)

	perr := c.publish(msg)
	if perr != nil && !derrors.Is(perr, derrors.ErrCodeBusClosed) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = terminalBackoff
		_, perr = backoff.Retry(c.ctx, func() (struct{}, error) {
			rerr := c.publish(msg)
			if derrors.Is(rerr, derrors.ErrCodeBusClosed) {
				return struct{}{}, backoff.Permanent(rerr)
			}
			return struct{}{}, rerr
		}, backoff.WithBackOff(b), backoff.WithMaxTries(terminalAttempts-1))
	}
	if perr == nil {
		return
	}

	c.metrics.RecordLostOutcome()
	c.logger.Error("outcome_lost", map[string]interface{}{
		"key":   rec.key,
		"type":  string(msg.Type),
		"error": perr.Error(),
	})
	c.event("outcome_lost", rec.key, map[string]interface{}{
		"type":  string(msg.Type),
		"error": perr.Error(),
	})
}
