package dedup

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/dedupkit/bus"
	"github.com/vinayprograms/dedupkit/logging"
)

const testTopic = "dedup.test"

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// cluster is a set of coordinators sharing one in-memory bus.
type cluster struct {
	t      *testing.T
	bus    *bus.MemoryBus
	log    *syncBuffer
	logger *logging.Logger
	nodes  []*Coordinator
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { b.Close() })

	buf := &syncBuffer{}
	logger := logging.New()
	logger.SetOutput(buf)
	logger.SetLevel(logging.LevelDebug)

	return &cluster{t: t, bus: b, log: buf, logger: logger}
}

func (cl *cluster) node(id string, passive bool, opts ...Option) *Coordinator {
	cl.t.Helper()
	return cl.nodeWithConfig(Config{
		NodeID:      id,
		Topic:       testTopic,
		ClaimSettle: time.Millisecond,
		Passive:     passive,
	}, opts...)
}

func (cl *cluster) nodeWithConfig(cfg Config, opts ...Option) *Coordinator {
	cl.t.Helper()
	opts = append([]Option{WithLogger(cl.logger)}, opts...)
	c, err := New(cl.bus, cfg, opts...)
	if err != nil {
		cl.t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		cl.t.Fatalf("Start() error = %v", err)
	}
	cl.t.Cleanup(func() { c.Close() })
	cl.nodes = append(cl.nodes, c)
	return c
}

// closeAll stops every node so logs and counters are final.
func (cl *cluster) closeAll() {
	for _, c := range cl.nodes {
		c.Close()
	}
}

// tap records every message published on the test topic.
type tap struct {
	mu   sync.Mutex
	msgs []Message
}

func (cl *cluster) tap() *tap {
	cl.t.Helper()
	sub, err := cl.bus.Subscribe(testTopic)
	if err != nil {
		cl.t.Fatalf("Subscribe() error = %v", err)
	}
	tp := &tap{}
	go func() {
		for m := range sub.Messages() {
			if msg, err := UnmarshalMessage(m.Data); err == nil {
				tp.mu.Lock()
				tp.msgs = append(tp.msgs, msg)
				tp.mu.Unlock()
			}
		}
	}()
	cl.t.Cleanup(func() { sub.Unsubscribe() })
	return tp
}

func (tp *tap) count(key string, mt MessageType, node string) int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	n := 0
	for _, m := range tp.msgs {
		if m.Key == key && m.Type == mt && (node == "" || m.Node == node) {
			n++
		}
	}
	return n
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func settled(f *Future) bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
