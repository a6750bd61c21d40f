package dedup

import (
	"context"
	"errors"
	"sync"
	"time"

	derrors "github.com/vinayprograms/dedupkit/errors"
	"github.com/vinayprograms/dedupkit/telemetry"
)

// waiter tracks one RequestRemoteStart call until its key's outcome arrives.
type waiter struct {
	key    string
	future *Future
	acked  chan struct{}

	mu  sync.Mutex
	ack MessageType
}

func (w *waiter) acknowledge(t MessageType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ack != "" {
		return
	}
	w.ack = t
	close(w.acked)
}

func (w *waiter) ackType() MessageType {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ack
}

// RequestRemoteStart asks the processes on the topic to run the work for
// key. It returns once some node answers with startack or inprogress; the
// returned Future settles when the key's outcome is broadcast, failing with
// a REMOTE_WORK_FAILED error whose message is the owner's reason.
//
// Without an ack the call waits until ctx ends, or fails with ACK_TIMEOUT
// when Config.AckTimeout is set.
func (c *Coordinator) RequestRemoteStart(ctx context.Context, key string) (*Future, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if err := c.usable(); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.StartRequestSpan(ctx, key, c.cfg.NodeID)
	w := &waiter{
		key:    key,
		future: c.newFuture(key),
		acked:  make(chan struct{}),
	}
	w.future.Observe(func(_ any, err error) {
		opts := telemetry.RequestSpanOptions{Ack: string(w.ackType())}
		if err != nil {
			opts.Reason = err.Error()
		}
		c.tracer.EndRequestSpan(span, opts, err)
	})
	if err := c.addWaiter(w); err != nil {
		w.future.settle(nil, err)
		return nil, err
	}

	if err := c.publish(Message{
		Type:  TypeStart,
		Key:   key,
		Node:  c.cfg.NodeID,
		Trace: c.tracer.Inject(ctx),
	}); err != nil {
		c.abandon(w, err)
		return nil, err
	}

	var timeout <-chan time.Time
	if c.cfg.AckTimeout > 0 {
		timer := time.NewTimer(c.cfg.AckTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var err error
	select {
	case <-w.acked:
		return w.future, nil
	case <-w.future.done:
		// Outcome arrived first, or the coordinator closed.
		if _, ferr, _ := w.future.Result(); errors.Is(ferr, ErrClosed) {
			return nil, ErrClosed
		}
		return w.future, nil
	case <-timeout:
		err = derrors.AckTimeout(key, derrors.WithNodeID(c.cfg.NodeID))
	case <-ctx.Done():
		err = derrors.Wrap(ctx.Err(), "waiting for ack", derrors.WithKey(key))
	}

	if !c.abandon(w, err) {
		// Outcome raced with the timeout.
		return w.future, nil
	}
	return nil, err
}

// Finish publishes an external outcome for key: finish when err is nil,
// finish_error with err's text otherwise.
func (c *Coordinator) Finish(ctx context.Context, key string, err error) error {
	if key == "" {
		return ErrEmptyKey
	}
	if uerr := c.usable(); uerr != nil {
		return uerr
	}
	if ctx.Err() != nil {
		return derrors.Wrap(ctx.Err(), "finishing "+key)
	}
	return c.publish(terminalMessage(key, c.cfg.NodeID, Claim{}, err))
}

func (c *Coordinator) addWaiter(w *waiter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.waiters[w.key] = append(c.waiters[w.key], w)
	return nil
}

// abandon removes w and settles its future with err. Returns false if w
// had already been resolved.
func (c *Coordinator) abandon(w *waiter, err error) bool {
	c.mu.Lock()
	ws := c.waiters[w.key]
	found := false
	for i, other := range ws {
		if other == w {
			ws = append(ws[:i:i], ws[i+1:]...)
			found = true
			break
		}
	}
	if len(ws) == 0 {
		delete(c.waiters, w.key)
	} else {
		c.waiters[w.key] = ws
	}
	c.mu.Unlock()

	if !found {
		return false
	}
	w.future.settle(nil, err)
	return true
}

func (c *Coordinator) notifyAck(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.waiters[msg.Key] {
		w.acknowledge(msg.Type)
	}
}

func (c *Coordinator) notifyTerminal(msg Message) {
	c.mu.Lock()
	ws := c.waiters[msg.Key]
	delete(c.waiters, msg.Key)
	c.mu.Unlock()

	err := msg.outcome()
	for _, w := range ws {
		w.future.settle(nil, err)
	}
}
