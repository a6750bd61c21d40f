package dedup

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/dedupkit/bus"
)

// Config configures a Coordinator.
type Config struct {
	// NodeID identifies this process on the topic. Must be unique.
	NodeID string

	// Topic is the bus subject shared by all coordinating processes.
	Topic string

	// ClaimSettle is how long an owner waits after claiming before it
	// starts work, giving competing claims time to arrive. It must exceed
	// the bus delivery latency between any two nodes, including the time a
	// busy node takes to drain its inbound queue.
	ClaimSettle time.Duration

	// LocalTick is the minimum delay before claimed work runs, so work never
	// starts on the caller's goroutine even with ClaimSettle set to zero.
	LocalTick time.Duration

	// AckTimeout bounds how long RequestRemoteStart waits for startack or
	// inprogress. Zero waits until the caller's context ends.
	AckTimeout time.Duration

	// Passive nodes never claim keys from remote start requests. They still
	// track claims they observe and may run work through RunLocal.
	Passive bool
}

// DefaultConfig returns configuration with a random node id.
func DefaultConfig() Config {
	return Config{
		NodeID:      uuid.NewString(),
		Topic:       "dedup.tasks",
		ClaimSettle: 50 * time.Millisecond,
		LocalTick:   time.Millisecond,
	}
}

// startDelay is how long an owner waits between claiming and running work.
func (c Config) startDelay() time.Duration {
	return max(c.ClaimSettle, c.LocalTick)
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node id is required")
	}
	if err := bus.ValidateSubject(c.Topic); err != nil {
		return fmt.Errorf("topic: %w", err)
	}
	if c.ClaimSettle < 0 {
		return fmt.Errorf("claim settle must not be negative")
	}
	if c.LocalTick < 0 {
		return fmt.Errorf("local tick must not be negative")
	}
	if c.AckTimeout < 0 {
		return fmt.Errorf("ack timeout must not be negative")
	}
	return nil
}
