package dedup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vinayprograms/dedupkit/bus"
	derrors "github.com/vinayprograms/dedupkit/errors"
	"github.com/vinayprograms/dedupkit/logging"
	"github.com/vinayprograms/dedupkit/metrics"
	"github.com/vinayprograms/dedupkit/telemetry"
)

// Coordinator runs the dedup protocol for one process.
type Coordinator struct {
	bus      bus.MessageBus
	cfg      Config
	registry *Registry
	executor Executor

	logger  *logging.Logger
	tracer  *telemetry.Tracer
	metrics *metrics.Collector
	events  telemetry.EventExporter

	mu      sync.Mutex
	waiters map[string][]*waiter
	sub     bus.Subscription
	started bool
	closed  bool
	stopCtx func() bool

	ctx    context.Context // cancelled on Close; parents all work
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithExecutor sets the executor run when a remote start request makes this
// node the owner. Without one, an owner waits for an external finish.
func WithExecutor(e Executor) Option {
	return func(c *Coordinator) {
		c.executor = e
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithEvents sets an exporter receiving protocol events.
func WithEvents(e telemetry.EventExporter) Option {
	return func(c *Coordinator) {
		c.events = e
	}
}

// New creates a coordinator on b. Empty NodeID and Topic fall back to
// DefaultConfig values.
func New(b bus.MessageBus, cfg Config, opts ...Option) (*Coordinator, error) {
	if b == nil {
		return nil, derrors.InvalidInput("message bus is required")
	}
	defaults := DefaultConfig()
	if cfg.NodeID == "" {
		cfg.NodeID = defaults.NodeID
	}
	if cfg.Topic == "" {
		cfg.Topic = defaults.Topic
	}
	if err := cfg.Validate(); err != nil {
		return nil, derrors.WrapWithCode(err, derrors.ErrCodeInvalidInput, "invalid coordinator config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		bus:      b,
		cfg:      cfg,
		registry: NewRegistry(),
		waiters:  make(map[string][]*waiter),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.New()
	}
	c.logger = c.logger.WithComponent("dedup")
	if c.tracer == nil {
		c.tracer = telemetry.GetTracer()
	}
	if c.events == nil {
		c.events = telemetry.NewNoopExporter()
	}
	return c, nil
}

// NodeID returns this node's id.
func (c *Coordinator) NodeID() string {
	return c.cfg.NodeID
}

// Pending reports whether key has an in-flight record on this node.
func (c *Coordinator) Pending(key string) bool {
	return c.registry.HasPending(key)
}

// Inflight returns the keys with in-flight records on this node.
func (c *Coordinator) Inflight() []string {
	return c.registry.Keys()
}

// Start subscribes to the topic and begins processing messages. The
// coordinator closes when ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}

	sub, err := c.bus.Subscribe(c.cfg.Topic)
	if err != nil {
		return c.busError(err, "subscribing to "+c.cfg.Topic)
	}
	c.sub = sub
	c.started = true

	c.wg.Add(1)
	go c.loop(sub.Messages())

	c.stopCtx = context.AfterFunc(ctx, func() { c.Close() })

	c.logger.Info("coordinator_started", map[string]interface{}{
		"node":    c.cfg.NodeID,
		"topic":   c.cfg.Topic,
		"passive": c.cfg.Passive,
	})
	return nil
}

// Close stops message processing, cancels running work and fails every
// pending future with ErrClosed.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	if c.stopCtx != nil {
		c.stopCtx()
	}
	waiters := c.waiters
	c.waiters = make(map[string][]*waiter)
	c.mu.Unlock()

	c.cancel()
	close(c.done)

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	c.wg.Wait()

	for _, ws := range waiters {
		for _, w := range ws {
			w.future.settle(nil, ErrClosed)
		}
	}
	for _, key := range c.registry.Keys() {
		if rec, ok := c.registry.Get(key); ok && c.registry.DeleteIf(key, rec) {
			rec.future.settle(nil, ErrClosed)
		}
	}
	c.metrics.SetInflight(0)

	c.logger.Info("coordinator_closed", map[string]interface{}{
		"node": c.cfg.NodeID,
	})
	return err
}

// usable returns an error unless the coordinator is running.
func (c *Coordinator) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.started {
		return ErrNotStarted
	}
	return nil
}

func (c *Coordinator) loop(msgs <-chan *bus.Message) {
	defer c.wg.Done()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return
			}
			c.handle(m.Data)
		case <-c.done:
			return
		}
	}
}

// handle applies one protocol message. Runs only on the loop goroutine.
func (c *Coordinator) handle(data []byte) {
	msg, err := UnmarshalMessage(data)
	if err != nil {
		c.desync("", "", err.Error())
		return
	}
	c.metrics.RecordMessage(string(msg.Type), metrics.DirIn)

	switch msg.Type {
	case TypeStart:
		c.onStart(msg)
	case TypeStartAck:
		c.onStartAck(msg)
		c.notifyAck(msg)
	case TypeInProgress:
		c.notifyAck(msg)
	case TypeFinish, TypeFinishError:
		c.notifyTerminal(msg)
		c.onFinish(msg)
	case TypeFinished:
		c.notifyTerminal(msg)
	}
}

// onStart claims the key, or answers inprogress if it is already tracked.
func (c *Coordinator) onStart(msg Message) {
	if c.cfg.Passive {
		if rec, ok := c.registry.Get(msg.Key); ok {
			c.answerInProgress(rec)
		}
		return
	}

	rec, inserted := c.registry.Claim(c.newOwnerRecord(msg.Key))
	if !inserted {
		c.answerInProgress(rec)
		return
	}

	var work WorkFunc
	if c.executor != nil {
		key := msg.Key
		work = func(ctx context.Context) (any, error) {
			return c.executor.Execute(ctx, key)
		}
		// The loop goroutine holds its own wg slot, so this cannot race Wait.
		c.wg.Add(1)
	}
	c.claimed(c.tracer.Extract(c.ctx, msg.Trace), rec, work)
}

// answerInProgress tells a late requester the key is tracked here, and
// arranges a finished relay once the record completes.
func (c *Coordinator) answerInProgress(rec *Record) {
	claim := rec.Claim()
	c.publish(Message{
		Type:      TypeInProgress,
		Key:       rec.key,
		Node:      c.cfg.NodeID,
		ClaimedAt: claim.At,
	})

	if !rec.armRelay() {
		return
	}
	rec.future.Observe(func(_ any, err error) {
		if errors.Is(err, ErrClosed) {
			return
		}
		relay := Message{Type: TypeFinished, Key: rec.key, Node: c.cfg.NodeID}
		if err != nil {
			relay.Failed = true
			relay.Reason = err.Error()
		}
		c.logger.Relay(rec.key, relay.Reason)
		c.event("relay", rec.key, map[string]interface{}{"failed": relay.Failed})
		c.publish(relay)
	})
}

// onStartAck records another node's claim and arbitrates against our own.
func (c *Coordinator) onStartAck(msg Message) {
	if msg.Node == c.cfg.NodeID {
		return
	}
	claim := Claim{Node: msg.Node, At: msg.ClaimedAt}

	follower := newRecord(msg.Key, RoleFollower, claim, c.newFuture(msg.Key))
	rec, inserted := c.registry.Claim(follower)
	if inserted {
		c.metrics.SetInflight(c.registry.Len())
		c.logger.Follow(msg.Key, msg.Node)
		return
	}
	c.arbitrate(rec, claim)
}

// arbitrate resolves a competing claim for a tracked key.
func (c *Coordinator) arbitrate(rec *Record, claim Claim) {
	rec.mu.Lock()
	current := rec.claim
	if claim == current {
		rec.mu.Unlock()
		return
	}

	if rec.role == RoleFollower {
		if claim.Before(current) {
			rec.claim = claim
		}
		rec.mu.Unlock()
		return
	}

	if current.Before(claim) {
		rec.mu.Unlock()
		// Re-assert so the later claimant steps down.
		c.publish(Message{
			Type:      TypeStartAck,
			Key:       rec.key,
			Node:      c.cfg.NodeID,
			ClaimedAt: current.At,
		})
		return
	}

	if rec.started {
		rec.mu.Unlock()
		c.metrics.RecordConflict()
		c.logger.Warn("claim_conflict", map[string]interface{}{
			"key":    rec.key,
			"winner": claim.Node,
		})
		c.event("conflict", rec.key, map[string]interface{}{"winner": claim.Node})
		return
	}

	rec.role = RoleFollower
	rec.claim = claim
	rec.mu.Unlock()

	c.metrics.RecordStepDown()
	c.logger.StepDown(rec.key, claim.Node)
	c.event("step_down", rec.key, map[string]interface{}{"winner": claim.Node})
}

// onFinish applies a terminal outcome to the local record.
func (c *Coordinator) onFinish(msg Message) {
	rec, ok := c.registry.Get(msg.Key)
	if !ok {
		if msg.Node != c.cfg.NodeID {
			c.desync(msg.Key, msg.Type, "untracked key")
		}
		return
	}
	if finished := msg.claim(); !finished.IsZero() && finished.Before(rec.Claim()) {
		c.desync(msg.Key, msg.Type, "stale claim")
		return
	}
	c.settle(rec, nil, msg.outcome())
}

// settle removes rec and resolves its future. Returns false if rec was
// already settled by another path.
func (c *Coordinator) settle(rec *Record, value any, err error) bool {
	if !c.registry.DeleteIf(rec.key, rec) {
		return false
	}
	c.metrics.SetInflight(c.registry.Len())

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.event("settle", rec.key, map[string]interface{}{
		"role":    string(rec.Role()),
		"outcome": outcome,
	})
	return rec.future.settle(value, err)
}

// newFuture creates a future retained by the coordinator.
func (c *Coordinator) newFuture(key string) *Future {
	f := NewFuture()
	f.onUnhandled = func(err error) {
		c.metrics.RecordUnhandled()
		c.logger.Unhandled(key, err)
	}
	f.Observe(ignore)
	return f
}

func (c *Coordinator) newOwnerRecord(key string) *Record {
	claim := Claim{Node: c.cfg.NodeID, At: time.Now().UnixNano()}
	return newRecord(key, RoleOwner, claim, c.newFuture(key))
}

// publish sends msg on the topic.
func (c *Coordinator) publish(msg Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return derrors.Wrap(err, "encoding "+string(msg.Type))
	}
	if err := c.bus.Publish(c.cfg.Topic, data); err != nil {
		werr := c.busError(err, "publishing "+string(msg.Type))
		c.metrics.RecordPublishFailure(string(msg.Type))
		c.logger.Error("publish_failed", map[string]interface{}{
			"key":   msg.Key,
			"type":  string(msg.Type),
			"error": err.Error(),
		})
		return werr
	}
	c.metrics.RecordMessage(string(msg.Type), metrics.DirOut)
	return nil
}

func (c *Coordinator) busError(err error, message string) error {
	if errors.Is(err, bus.ErrClosed) {
		return derrors.WrapWithCode(err, derrors.ErrCodeBusClosed, message,
			derrors.WithNodeID(c.cfg.NodeID))
	}
	return derrors.Wrap(err, message, derrors.WithNodeID(c.cfg.NodeID))
}

func (c *Coordinator) desync(key string, msgType MessageType, detail string) {
	c.metrics.RecordDesync()
	c.logger.Desync(key, string(msgType), detail)
	c.event("desync", key, map[string]interface{}{
		"type":   string(msgType),
		"detail": detail,
	})
}

func (c *Coordinator) event(name, key string, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["key"] = key
	data["node"] = c.cfg.NodeID
	c.events.LogEvent(name, data)
}
