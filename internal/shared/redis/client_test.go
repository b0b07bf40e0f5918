package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestClient(t *testing.T, opts ...Option) (*Client, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	c, err := New(context.Background(), "redis://"+srv.Addr(), opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

func TestGetSetDel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("get = %q, %v", got, err)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSetNX(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "marker", "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx = %v, %v", ok, err)
	}
	ok, err = c.SetNX(ctx, "marker", "2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second setnx = %v, %v", ok, err)
	}
}

func TestSetHonoursTTL(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	if err := c.Set(ctx, "short", "v", time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	srv.FastForward(2 * time.Second)
	if _, err := c.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestFailuresDisableCache(t *testing.T) {
	var mu sync.Mutex
	var transitions []bool
	c, srv := newTestClient(t, WithFailureThreshold(2), WithStateHook(func(enabled bool, _ string) {
		mu.Lock()
		transitions = append(transitions, enabled)
		mu.Unlock()
	}))
	ctx := context.Background()

	srv.Close()

	for i := 0; i < 2; i++ {
		if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	}
	if c.Enabled() {
		t.Fatal("cache should be disabled after threshold failures")
	}

	// Disabled cache fails fast without touching the network.
	if err := c.Set(ctx, "k", "v", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected fail-fast ErrUnavailable, got %v", err)
	}

	st := c.Diagnostics(ctx)
	if st.State != StateDisabled || st.LastError == "" {
		t.Fatalf("unexpected diagnostics: %+v", st)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] {
		t.Fatalf("expected a single disable transition, got %v", transitions)
	}
}

func TestResetReenablesAfterRecovery(t *testing.T) {
	c, srv := newTestClient(t, WithFailureThreshold(1))
	ctx := context.Background()

	srv.Close()
	_, _ = c.Get(ctx, "k")
	if c.Enabled() {
		t.Fatal("expected disabled")
	}

	if err := srv.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !c.Enabled() {
		t.Fatal("expected enabled after reset")
	}
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set after reset: %v", err)
	}
	if st := c.Diagnostics(ctx); st.Resets != 1 || st.State != StateConnected || st.Keys != 1 {
		t.Fatalf("unexpected diagnostics: %+v", st)
	}
}

func TestResetFailsWhileServerDown(t *testing.T) {
	c, srv := newTestClient(t)
	srv.Close()

	if err := c.Reset(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if c.Enabled() {
		t.Fatal("cache must stay disabled after a failed reset")
	}
}

func TestProbeRecoversDisabledCache(t *testing.T) {
	c, _ := newTestClient(t)
	c.Disable("test")
	if c.Enabled() {
		t.Fatal("expected disabled")
	}
	c.probe(context.Background())
	if !c.Enabled() {
		t.Fatal("probe should re-enable a reachable cache")
	}
}

func TestConcurrentOperationsDuringReset(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				err := c.Set(ctx, "k", "v", time.Minute)
				if err != nil && !errors.Is(err, ErrUnavailable) {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 3; i++ {
		if err := c.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
	}
	wg.Wait()

	if !c.Enabled() {
		t.Fatal("expected enabled after resets")
	}
}

func TestDisabledByConfiguration(t *testing.T) {
	c, _ := newTestClient(t, WithEnabled(false))
	if c.Enabled() {
		t.Fatal("expected disabled")
	}
	c.Reenable("ignored")
	if c.Enabled() {
		t.Fatal("configuration switch must win over Reenable")
	}
	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if st := c.Diagnostics(context.Background()); st.State != StateOff {
		t.Fatalf("expected off state, got %s", st.State)
	}
}

func TestNewStartsDisabledWhenUnreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	c, err := New(context.Background(), "redis://"+addr)
	if err != nil {
		t.Fatalf("new must not fail on an unreachable cache: %v", err)
	}
	defer c.Close()
	if c.Enabled() {
		t.Fatal("expected disabled")
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New(context.Background(), "://nope"); err == nil {
		t.Fatal("expected parse error")
	}
}
