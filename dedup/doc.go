// Package dedup coordinates execution of keyed work across processes that
// share a broadcast bus, so that logically identical work runs once.
//
// Every process runs a Coordinator subscribed to the same topic. A caller
// either asks for work to run somewhere (RequestRemoteStart) or offers to run
// it itself (RunLocal). Processes exchange six message types:
//
//	start         a requester wants the work for key done
//	startack      the sender claimed key and will own its execution
//	inprogress    the sender already tracks key; the outcome will follow
//	finish        the work for key succeeded
//	finish_error  the work for key failed; reason carries the error text
//	finished      relay of the outcome to requesters that joined late
//
// Each process keeps a Registry with at most one Record per key while work is
// in flight. A Record is created when this process claims the key (role
// owner) or observes another node's claim (role follower), and is removed the
// moment the key's outcome is applied locally.
//
// # Claims
//
// Claims are ordered by (claimed_at, node id). When two nodes claim the same
// key, the later claimant steps down as soon as it sees the earlier claim, as
// long as it has not started the work yet. Owners wait ClaimSettle before
// starting, so at most one node runs the work only when ClaimSettle exceeds
// the time a competing startack needs to reach every claimant. That includes
// transport latency and the backlog a node builds up under load: with many
// keys in flight a node may process a startack well after it was sent. The
// default of 50ms suits a single host or a LAN bus; raise it for slower
// transports. A claimant that has already started when the earlier claim
// arrives keeps running and counts a claim conflict.
//
// LocalTick is a separate floor on the delay before claimed work runs, so work
// never starts on the caller's goroutine. Setting ClaimSettle to zero is only
// safe when a single node can claim any given key.
//
// # Futures
//
// Every operation returns a Future that settles exactly once. Futures held by
// the coordinator always carry an internal observer, so a failure delivered
// to callers through the broadcast path is never reported as unhandled.
//
// Basic usage:
//
//	b := bus.NewMemoryBus(bus.DefaultConfig())
//	c, err := dedup.New(b, dedup.DefaultConfig(), dedup.WithExecutor(exec))
//	if err != nil {
//	    return err
//	}
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	f, err := c.RequestRemoteStart(ctx, key)
//	if err != nil {
//	    return err
//	}
//	_, err = f.Wait(ctx)
package dedup
