package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCall() *middleware.Call {
	return &middleware.Call{
		WorkflowID: id.NewWorkflowID(),
		StepID:     "synthesize",
		AgentID:    "synthesizer",
		Attempt:    2,
		RateClass:  "inference",
	}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *middleware.Call, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *middleware.Call, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	err := chain(context.Background(), newTestCall(), handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	handler := func(_ context.Context) error {
		called = true
		return nil
	}

	err := chain(context.Background(), newTestCall(), handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	mw := func(ctx context.Context, _ *middleware.Call, next middleware.Handler) error {
		return next(ctx)
	}
	chain := middleware.Chain(mw)
	want := errors.New("handler error")

	err := chain(context.Background(), newTestCall(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	mw := middleware.Recover(discardLogger())
	c := newTestCall()

	err := mw(context.Background(), c, func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if got := err.Error(); got != "panic in step synthesize: test panic" {
		t.Errorf("unexpected error message: %q", got)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	mw := middleware.Recover(discardLogger())

	called := false
	err := mw(context.Background(), newTestCall(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging_Success(t *testing.T) {
	mw := middleware.Logging(discardLogger())

	called := false
	err := mw(context.Background(), newTestCall(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging_Error(t *testing.T) {
	mw := middleware.Logging(discardLogger())
	want := errors.New("fail")

	err := mw(context.Background(), newTestCall(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTimeout_CancelsContext(t *testing.T) {
	mw := middleware.Timeout(discardLogger())
	c := newTestCall()
	c.Timeout = 10 * time.Millisecond

	err := mw(context.Background(), c, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestTimeout_ZeroMeansNoLimit(t *testing.T) {
	mw := middleware.Timeout(discardLogger())
	c := newTestCall()
	c.Timeout = 0

	err := mw(context.Background(), c, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("expected no deadline for zero timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRateLimit_PassesWhenAllowed(t *testing.T) {
	limiter := ratelimit.NewManager(ratelimit.Config{Name: "inference", Rate: 100, Burst: 10})
	mw := middleware.RateLimit(limiter, backoff.NewConstant(time.Millisecond), 3, discardLogger())

	called := false
	err := mw(context.Background(), newTestCall(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestRateLimit_NoClassPassesThrough(t *testing.T) {
	// Empty manager, but the call declares no rate class.
	limiter := ratelimit.NewManager()
	mw := middleware.RateLimit(limiter, nil, 3, discardLogger())
	c := newTestCall()
	c.RateClass = ""

	called := false
	err := mw(context.Background(), c, func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestRateLimit_ExhaustsAttempts(t *testing.T) {
	// Zero rate, zero burst: every Allow refuses.
	limiter := ratelimit.NewManager(ratelimit.Config{Name: "inference", Rate: 0, Burst: 0})
	mw := middleware.RateLimit(limiter, backoff.NewConstant(time.Millisecond), 3, discardLogger())

	err := mw(context.Background(), newTestCall(), func(_ context.Context) error {
		t.Fatal("handler must not run when rate limited")
		return nil
	})
	if !errors.Is(err, loom.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestRateLimit_HonorsContextCancellation(t *testing.T) {
	limiter := ratelimit.NewManager(ratelimit.Config{Name: "inference", Rate: 0, Burst: 0})
	mw := middleware.RateLimit(limiter, backoff.NewConstant(time.Second), 100, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := mw(ctx, newTestCall(), func(_ context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
