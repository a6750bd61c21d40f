package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vinayprograms/dedupkit/bus"
	derrors "github.com/vinayprograms/dedupkit/errors"
	"github.com/vinayprograms/dedupkit/metrics"
	"github.com/vinayprograms/dedupkit/telemetry"
)

// --- Unit Tests ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no node", func(c *Config) { c.NodeID = "" }, true},
		{"no topic", func(c *Config) { c.Topic = "" }, true},
		{"negative settle", func(c *Config) { c.ClaimSettle = -time.Second }, true},
		{"negative tick", func(c *Config) { c.LocalTick = -time.Second }, true},
		{"negative ack timeout", func(c *Config) { c.AckTimeout = -time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); !derrors.Is(err, derrors.ErrCodeInvalidInput) {
		t.Errorf("New(nil) error = %v", err)
	}

	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	c, err := New(b, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.NodeID() == "" || c.cfg.Topic != "dedup.tasks" {
		t.Errorf("defaults not applied: %+v", c.cfg)
	}

	if _, err := New(b, Config{ClaimSettle: -1}); !derrors.Is(err, derrors.ErrCodeInvalidInput) {
		t.Errorf("invalid config error = %v", err)
	}
}

func TestCoordinator_Lifecycle(t *testing.T) {
	ctx := testContext(t)
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	c, err := New(b, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	noop := func(context.Context) (any, error) { return nil, nil }

	if _, err := c.RequestRemoteStart(ctx, "k"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("before Start: %v", err)
	}
	if _, err := c.RunLocal(ctx, "k", noop); !errors.Is(err, ErrNotStarted) {
		t.Errorf("RunLocal before Start: %v", err)
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v", err)
	}

	if _, err := c.RequestRemoteStart(ctx, ""); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("empty key: %v", err)
	}
	if _, err := c.RunLocal(ctx, "", noop); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("RunLocal empty key: %v", err)
	}
	if _, err := c.RunLocal(ctx, "k", nil); !errors.Is(err, ErrNilWork) {
		t.Errorf("RunLocal nil work: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := c.RunLocal(ctx, "k", noop); !errors.Is(err, ErrClosed) {
		t.Errorf("after Close: %v", err)
	}
	if err := c.Finish(ctx, "k", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Finish after Close: %v", err)
	}
	if err := c.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close: %v", err)
	}
}

func TestCoordinator_StartContextCloses(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	c, err := New(b, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	eventually(t, "coordinator closed", func() bool {
		return errors.Is(c.usable(), ErrClosed)
	})
}

func TestCoordinator_AckTimeout(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	a := cl.nodeWithConfig(Config{
		NodeID:     "a",
		Topic:      testTopic,
		Passive:    true,
		AckTimeout: 20 * time.Millisecond,
	})

	f, err := a.RequestRemoteStart(ctx, NewKey())
	if f != nil {
		t.Error("no future expected on timeout")
	}
	if !derrors.Is(err, derrors.ErrCodeAckTimeout) {
		t.Fatalf("error = %v, want ACK_TIMEOUT", err)
	}
	if !derrors.IsRetryable(err) {
		t.Error("ack timeout should be retryable")
	}

	a.mu.Lock()
	n := len(a.waiters)
	a.mu.Unlock()
	if n != 0 {
		t.Errorf("waiters left behind: %d", n)
	}
}

func TestCoordinator_RequestContextDeadline(t *testing.T) {
	cl := newCluster(t)
	a := cl.node("a", true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.RequestRemoteStart(ctx, NewKey())
	if !derrors.Is(err, derrors.ErrCodeTimeout) {
		t.Errorf("error = %v, want TIMEOUT", err)
	}
}

func TestCoordinator_SelfClaim(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)

	var calls atomic.Int32
	a := cl.node("a", false, WithExecutor(ExecutorFunc(func(context.Context, string) (any, error) {
		calls.Add(1)
		return nil, nil
	})))

	f, err := a.RequestRemoteStart(ctx, NewKey())
	if err != nil {
		t.Fatalf("RequestRemoteStart() error = %v", err)
	}
	if _, err := f.Wait(ctx); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("executor calls = %d", calls.Load())
	}
}

func TestCoordinator_FailureFidelityAcrossNodes(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)

	reason := "disk full: /var/lib/x (errno 28)"
	release := make(chan struct{})
	cl.node("owner", false, WithExecutor(ExecutorFunc(func(ctx context.Context, _ string) (any, error) {
		<-release
		return nil, errors.New(reason)
	})))
	r1 := cl.node("r1", true)
	r2 := cl.node("r2", true)
	key := NewKey()

	f1, err := r1.RequestRemoteStart(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	f2, err := r2.RequestRemoteStart(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	close(release)

	for name, f := range map[string]*Future{"r1": f1, "r2": f2} {
		_, err := f.Wait(ctx)
		if err == nil || err.Error() != reason {
			t.Errorf("%s error = %v, want %q", name, err, reason)
		}
	}
	assertNoUnhandled(t, cl)
}

func TestCoordinator_AtMostOneOwner_RunLocal(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)

	var nodes []*Coordinator
	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		nodes = append(nodes, cl.nodeWithConfig(Config{
			NodeID:      id,
			Topic:       testTopic,
			ClaimSettle: 20 * time.Millisecond,
		}))
	}
	key := NewKey()

	var (
		calls   atomic.Int32
		wg      sync.WaitGroup
		futures = make([]*Future, len(nodes))
	)
	for i, c := range nodes {
		wg.Add(1)
		go func(i int, c *Coordinator) {
			defer wg.Done()
			f, err := c.RunLocal(ctx, key, func(context.Context) (any, error) {
				calls.Add(1)
				return "v", nil
			})
			if err != nil {
				t.Errorf("RunLocal() error = %v", err)
				return
			}
			futures[i] = f
		}(i, c)
	}
	wg.Wait()

	for i, f := range futures {
		if f == nil {
			continue
		}
		if _, err := f.Wait(ctx); err != nil {
			t.Errorf("node %d Wait() error = %v", i, err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("work ran %d times, want 1", n)
	}
	for _, c := range nodes {
		eventually(t, "records cleared", func() bool { return !c.Pending(key) })
	}
	assertNoUnhandled(t, cl)
}

func TestCoordinator_AtMostOneOwner_RemoteStart(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)

	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, string) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	for _, id := range []string{"w1", "w2", "w3"} {
		cl.nodeWithConfig(Config{
			NodeID:      id,
			Topic:       testTopic,
			ClaimSettle: 20 * time.Millisecond,
		}, WithExecutor(exec), WithMetrics(m))
	}
	req := cl.node("req", true)

	for i := 0; i < 5; i++ {
		f, err := req.RequestRemoteStart(ctx, NewKey())
		if err != nil {
			t.Fatalf("RequestRemoteStart() error = %v", err)
		}
		if _, err := f.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if n := calls.Load(); n != 5 {
		t.Errorf("executions = %d, want 5", n)
	}

	cl.closeAll()
	claims := counterValue(t, reg, "dedup_claims_total")
	stepDowns := counterValue(t, reg, "dedup_stepdowns_total")
	if claims-stepDowns != 5 {
		t.Errorf("claims %v - stepdowns %v should equal executions", claims, stepDowns)
	}
}

func TestCoordinator_StepDownBeforeStart(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	late := cl.nodeWithConfig(Config{NodeID: "late", Topic: testTopic, ClaimSettle: time.Hour})
	key := NewKey()

	var called atomic.Bool
	f, err := late.RunLocal(ctx, key, func(context.Context) (any, error) {
		called.Store(true)
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// An earlier claim from another node deposes the pending owner.
	early := Message{Type: TypeStartAck, Key: key, Node: "early", ClaimedAt: 1}
	data, _ := early.Marshal()
	if err := cl.bus.Publish(testTopic, data); err != nil {
		t.Fatal(err)
	}
	eventually(t, "step down", func() bool {
		rec, ok := late.registry.Get(key)
		return ok && rec.Role() == RoleFollower
	})

	finish, _ := terminalMessage(key, "early", Claim{Node: "early", At: 1}, nil).Marshal()
	if err := cl.bus.Publish(testTopic, finish); err != nil {
		t.Fatal(err)
	}
	v, err := f.Wait(ctx)
	if err != nil || v != nil {
		t.Errorf("Wait() = %v, %v; want nil, nil", v, err)
	}
	if called.Load() {
		t.Error("deposed owner must not run work")
	}
}

func TestCoordinator_ReassertAgainstLaterClaim(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	tp := cl.tap()
	owner := cl.nodeWithConfig(Config{NodeID: "owner", Topic: testTopic, ClaimSettle: time.Hour})
	key := NewKey()

	release := make(chan struct{})
	defer close(release)
	if _, err := owner.RunLocal(ctx, key, func(context.Context) (any, error) {
		<-release
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}

	late := Message{Type: TypeStartAck, Key: key, Node: "late", ClaimedAt: time.Now().Add(time.Hour).UnixNano()}
	data, _ := late.Marshal()
	cl.bus.Publish(testTopic, data)

	eventually(t, "re-assert", func() bool { return tp.count(key, TypeStartAck, "owner") == 2 })
	rec, _ := owner.registry.Get(key)
	if rec.Role() != RoleOwner {
		t.Errorf("role = %s, want owner", rec.Role())
	}
}

func TestCoordinator_UntrackedFinishIgnored(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	b := cl.node("b", false, WithMetrics(m))
	a := cl.node("a", true)

	key := NewKey()
	if err := a.Finish(ctx, key, errors.New("nobody cares")); err != nil {
		t.Fatal(err)
	}
	cl.bus.Publish(testTopic, []byte("not json"))

	eventually(t, "desync counted", func() bool {
		return counterValue(t, reg, "dedup_desync_total") == 2
	})
	if b.Pending(key) {
		t.Error("finish for untracked key must not create a record")
	}

	// A start after the stray finish is a fresh claim.
	f, err := a.RequestRemoteStart(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Pending(key) {
		t.Error("start should create an owner record")
	}
	a.Finish(ctx, key, nil)
	if _, err := f.Wait(ctx); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestCoordinator_StaleFinishIgnored(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	c := cl.nodeWithConfig(Config{NodeID: "c", Topic: testTopic, ClaimSettle: time.Hour})
	key := NewKey()

	f, err := c.RunLocal(ctx, key, func(context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatal(err)
	}
	stale, _ := terminalMessage(key, "old", Claim{Node: "old", At: 1}, errors.New("old round")).Marshal()
	cl.bus.Publish(testTopic, stale)

	// Follow with an untracked finish on another key to know the stale one was processed.
	other := NewKey()
	marker, _ := terminalMessage(other, "x", Claim{}, nil).Marshal()
	cl.bus.Publish(testTopic, marker)
	time.Sleep(10 * time.Millisecond)

	if settled(f) {
		t.Error("finish for an older claim must not settle the current record")
	}
}

func TestCoordinator_PanicInWork(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	a := cl.node("a", false)
	peer := cl.node("p", true)
	key := NewKey()

	f, err := a.RunLocal(ctx, key, func(context.Context) (any, error) {
		panic("kaboom")
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.Wait(ctx)
	if !derrors.Is(err, derrors.ErrCodePanic) || err.Error() != "kaboom" {
		t.Errorf("Wait() error = %v", err)
	}
	eventually(t, "peer settled", func() bool { return !peer.Pending(key) })
}

func TestCoordinator_ClosePendingFutures(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	a := cl.node("a", true)
	cl.node("b", false)
	key := NewKey()

	f, err := a.RequestRemoteStart(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	local, err := a.RunLocal(ctx, key, func(context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatal(err)
	}

	a.Close()
	if _, err := f.Wait(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("request future error = %v", err)
	}
	if _, err := local.Wait(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("record future error = %v", err)
	}
}

func TestCoordinator_Tracing(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := telemetry.NewTracerFromProvider(tp, "dedup-test", true)

	a := cl.node("a", true, WithTracer(tracer))
	cl.node("b", false, WithTracer(tracer), WithExecutor(ExecutorFunc(func(context.Context, string) (any, error) {
		return nil, errors.New("failed")
	})))

	f, err := a.RequestRemoteStart(ctx, NewKey())
	if err != nil {
		t.Fatal(err)
	}
	f.Wait(ctx)
	cl.closeAll()

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range rec.Ended() {
		spans[s.Name()] = s
	}
	request, claim, execute := spans["dedup.request"], spans["dedup.claim"], spans["dedup.execute"]
	if request == nil || claim == nil || execute == nil {
		t.Fatalf("missing spans: %v", spans)
	}

	traceID := request.SpanContext().TraceID()
	if claim.SpanContext().TraceID() != traceID || execute.SpanContext().TraceID() != traceID {
		t.Error("claim and execute spans should join the requester's trace")
	}
	if claim.Parent().SpanID() != request.SpanContext().SpanID() {
		t.Error("claim span should be parented on the request span")
	}
	if execute.Parent().SpanID() != claim.SpanContext().SpanID() {
		t.Error("execute span should be parented on the claim span")
	}
	if request.Status().Description != "failed" {
		t.Errorf("request status = %+v", request.Status())
	}
}

type recordingEvents struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingEvents) LogEvent(name string, _ map[string]interface{}) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
}
func (r *recordingEvents) Flush() error { return nil }
func (r *recordingEvents) Close() error { return nil }

func (r *recordingEvents) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.names {
		if n == name {
			return true
		}
	}
	return false
}

func TestCoordinator_EventsAndMetrics(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	events := &recordingEvents{}
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)

	a := cl.node("a", false, WithEvents(events), WithMetrics(m))
	f, err := a.RunLocal(ctx, NewKey(), func(context.Context) (any, error) { return 1, nil })
	if err != nil {
		t.Fatal(err)
	}
	f.Wait(ctx)
	cl.closeAll()

	for _, name := range []string{"claim", "execute", "settle"} {
		if !events.has(name) {
			t.Errorf("missing %q event in %v", name, events.names)
		}
	}
	if got := counterValue(t, reg, "dedup_claims_total"); got != 1 {
		t.Errorf("claims = %v", got)
	}
	if got := counterValue(t, reg, "dedup_unhandled_failures_total"); got != 0 {
		t.Errorf("unhandled = %v", got)
	}
}

// counterValue reads an unlabelled counter from reg.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	n, err := testutil.GatherAndCount(reg, name)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		return 0
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestCoordinator_AtMostOneOwner_ConcurrentKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	ctx := testContext(t)
	cl := newCluster(t)

	var (
		mu   sync.Mutex
		runs = make(map[string]int)
	)
	exec := ExecutorFunc(func(_ context.Context, key string) (any, error) {
		mu.Lock()
		runs[key]++
		mu.Unlock()
		return key, nil
	})

	// Default timings: only the node id and topic differ.
	nodeConfig := func(id string, passive bool) Config {
		cfg := DefaultConfig()
		cfg.NodeID = id
		cfg.Topic = testTopic
		cfg.Passive = passive
		return cfg
	}
	for _, id := range []string{"w1", "w2", "w3", "w4"} {
		cl.nodeWithConfig(nodeConfig(id, false), WithExecutor(exec))
	}
	req := cl.nodeWithConfig(nodeConfig("req", true))

	const keys = 200
	var wg sync.WaitGroup
	for i := 0; i < keys; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := req.RequestRemoteStart(ctx, NewKey())
			if err != nil {
				t.Errorf("RequestRemoteStart() error = %v", err)
				return
			}
			if _, err := f.Wait(ctx); err != nil {
				t.Errorf("Wait() error = %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(runs) != keys {
		t.Errorf("executed %d keys, want %d", len(runs), keys)
	}
	for key, n := range runs {
		if n != 1 {
			t.Errorf("key %s executed %d times, want 1", key, n)
		}
	}
}

func TestCoordinator_RunLocalRacingClose(t *testing.T) {
	ctx := testContext(t)
	noop := func(context.Context) (any, error) { return nil, nil }

	for round := 0; round < 50; round++ {
		cl := newCluster(t)
		c := cl.node("a", false)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			futures []*Future
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f, err := c.RunLocal(ctx, NewKey(), noop)
				if err != nil {
					if !errors.Is(err, ErrClosed) {
						t.Errorf("RunLocal() error = %v, want nil or ErrClosed", err)
					}
					return
				}
				mu.Lock()
				futures = append(futures, f)
				mu.Unlock()
			}()
		}
		c.Close()
		wg.Wait()

		// Every future handed out must settle, with its result or ErrClosed.
		for _, f := range futures {
			if _, err := f.Wait(ctx); err != nil && !errors.Is(err, ErrClosed) {
				t.Fatalf("round %d: Wait() error = %v", round, err)
			}
		}
		if len(c.Inflight()) != 0 {
			t.Fatalf("round %d: records left after Close: %v", round, c.Inflight())
		}
	}
}

// flakyBus rejects the first failures terminal publishes.
type flakyBus struct {
	bus.MessageBus
	failures atomic.Int32
}

func (b *flakyBus) Publish(subject string, data []byte) error {
	if msg, err := UnmarshalMessage(data); err == nil &&
		(msg.Type == TypeFinish || msg.Type == TypeFinishError) &&
		b.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return b.MessageBus.Publish(subject, data)
}

func TestCoordinator_TerminalPublishRetry(t *testing.T) {
	tests := []struct {
		name         string
		failures     int32
		wantSettled  bool
		wantFailures float64
		wantLost     float64
	}{
		{"transient failures recovered", 2, true, 2, 0},
		{"persistent failure reported", 100, false, terminalAttempts, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			cl := newCluster(t)
			events := &recordingEvents{}
			reg := prometheus.NewRegistry()

			fb := &flakyBus{MessageBus: cl.bus}
			fb.failures.Store(tt.failures)
			owner, err := New(fb, Config{NodeID: "owner", Topic: testTopic, ClaimSettle: time.Millisecond},
				WithLogger(cl.logger),
				WithEvents(events),
				WithMetrics(metrics.NewCollector(reg)),
				WithExecutor(ExecutorFunc(func(context.Context, string) (any, error) {
					return nil, errors.New("exit 1")
				})))
			if err != nil {
				t.Fatal(err)
			}
			if err := owner.Start(ctx); err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { owner.Close() })
			req := cl.node("req", true)

			f, err := req.RequestRemoteStart(ctx, NewKey())
			if err != nil {
				t.Fatalf("RequestRemoteStart() error = %v", err)
			}

			if tt.wantSettled {
				if _, err := f.Wait(ctx); err == nil || err.Error() != "exit 1" {
					t.Errorf("Wait() error = %v, want exit 1", err)
				}
			} else {
				eventually(t, "lost outcome", func() bool {
					return counterValue(t, reg, "dedup_lost_outcomes_total") == 1
				})
				if settled(f) {
					t.Error("requester settled although no outcome was broadcast")
				}
				if !events.has("outcome_lost") {
					t.Errorf("missing outcome_lost event in %v", events.names)
				}
			}

			eventually(t, "publish failures counted", func() bool {
				return counterValue(t, reg, "dedup_publish_failures_total") == tt.wantFailures
			})
			if got := counterValue(t, reg, "dedup_lost_outcomes_total"); got != tt.wantLost {
				t.Errorf("lost outcomes = %v, want %v", got, tt.wantLost)
			}
		})
	}
}
