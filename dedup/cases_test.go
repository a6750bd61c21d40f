package dedup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// Walkthrough of the seven demonstration cases: a passive requester "a"
// talks to an owner "b" that has no executor, so completion always comes
// from an explicit Finish.

func TestCase1_RemoteStartWaitLocally(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	a := cl.node("a", true)
	cl.node("b", false)
	key := NewKey()

	if _, err := a.RequestRemoteStart(ctx, key); err != nil {
		t.Fatalf("RequestRemoteStart() error = %v", err)
	}

	var called atomic.Bool
	local, err := a.RunLocal(ctx, key, func(context.Context) (any, error) {
		called.Store(true)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("RunLocal() error = %v", err)
	}

	if err := a.Finish(ctx, key, nil); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if _, err := local.Wait(ctx); err != nil {
		t.Errorf("local Wait() error = %v", err)
	}
	if called.Load() {
		t.Error("work must not run while the key is tracked remotely")
	}
	assertNoUnhandled(t, cl)
}

func TestCase2_RemoteStartNotWaiting(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	a := cl.node("a", true)
	b := cl.node("b", false)
	key := NewKey()

	if _, err := a.RequestRemoteStart(ctx, key); err != nil {
		t.Fatalf("RequestRemoteStart() error = %v", err)
	}
	if err := a.Finish(ctx, key, nil); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	eventually(t, "b record removed", func() bool { return !b.Pending(key) })
	assertNoUnhandled(t, cl)
}

func TestCase3_RemoteFailureNotWaiting(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	a := cl.node("a", true)
	b := cl.node("b", false)
	key := NewKey()

	if _, err := a.RequestRemoteStart(ctx, key); err != nil {
		t.Fatalf("RequestRemoteStart() error = %v", err)
	}
	if err := a.Finish(ctx, key, errors.New("failed #3")); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	eventually(t, "b record removed", func() bool { return !b.Pending(key) })
	assertNoUnhandled(t, cl)
}

func TestCase4_RemoteStartTwiceFailure(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	tp := cl.tap()
	a := cl.node("a", true)
	b := cl.node("b", false)
	key := NewKey()

	if _, err := a.RequestRemoteStart(ctx, key); err != nil {
		t.Fatalf("first RequestRemoteStart() error = %v", err)
	}
	second, err := a.RequestRemoteStart(ctx, key)
	if err != nil {
		t.Fatalf("second RequestRemoteStart() error = %v", err)
	}
	if err := a.Finish(ctx, key, errors.New("failed #4")); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	if _, err := second.Wait(ctx); err == nil || err.Error() != "failed #4" {
		t.Errorf("second Wait() error = %v, want failed #4", err)
	}
	eventually(t, "b record removed", func() bool { return !b.Pending(key) })
	eventually(t, "finished relay", func() bool { return tp.count(key, TypeFinished, "b") == 1 })
	assertNoUnhandled(t, cl)
}

func TestCase5_LocalResolve(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	a := cl.node("a", false)
	key := NewKey()

	release := make(chan struct{})
	f, err := a.RunLocal(ctx, key, func(context.Context) (any, error) {
		<-release
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("RunLocal() error = %v", err)
	}
	close(release)

	if v, err := f.Wait(ctx); err != nil || v != "ok" {
		t.Errorf("Wait() = %v, %v", v, err)
	}
	assertNoUnhandled(t, cl)
}

func TestCase6_LocalRejectIgnored(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	tp := cl.tap()
	a := cl.node("a", false)
	key := NewKey()

	release := make(chan struct{})
	f, err := a.RunLocal(ctx, key, func(context.Context) (any, error) {
		<-release
		return nil, errors.New("failed #6")
	})
	if err != nil {
		t.Fatalf("RunLocal() error = %v", err)
	}
	f.Observe(func(any, error) {})
	close(release)

	eventually(t, "finish_error", func() bool { return tp.count(key, TypeFinishError, "a") == 1 })
	assertNoUnhandled(t, cl)
}

func TestCase7_LocalRejectAfterCalled(t *testing.T) {
	ctx := testContext(t)
	cl := newCluster(t)
	a := cl.node("a", false)
	key := NewKey()

	called := make(chan struct{})
	release := make(chan struct{})
	f, err := a.RunLocal(ctx, key, func(context.Context) (any, error) {
		close(called)
		<-release
		return nil, errors.New("failed #7")
	})
	if err != nil {
		t.Fatalf("RunLocal() error = %v", err)
	}

	<-called
	close(release)
	if _, err := f.Wait(ctx); err == nil || err.Error() != "failed #7" {
		t.Errorf("Wait() error = %v", err)
	}
	assertNoUnhandled(t, cl)
}
