package pacer

import (
	"context"
	"testing"
	"time"
)

func TestWaitWrite_EnforcesSpacing(t *testing.T) {
	// 600 req/min = one write every 100ms. Three writes consume the
	// initial token plus two waits, so at least ~200ms must elapse.
	p := New(600, false)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.WaitWrite(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	elapsed := time.Since(start)

	if elapsed < 180*time.Millisecond {
		t.Errorf("three writes completed in %s, rate ceiling not enforced", elapsed)
	}
}

func TestWaitWrite_FirstCallImmediate(t *testing.T) {
	p := New(10, false)

	start := time.Now()
	if err := p.WaitWrite(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("first write waited %s, expected immediate", elapsed)
	}
}

func TestWaitRead_UnthrottledByDefault(t *testing.T) {
	p := New(600, false)
	ctx := context.Background()

	// Drain the write token so a throttled read would have to wait.
	if err := p.WaitWrite(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := p.WaitRead(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("unthrottled reads took %s", elapsed)
	}
}

func TestWaitRead_ThrottledSharesWriteBudget(t *testing.T) {
	p := New(600, true)
	ctx := context.Background()

	start := time.Now()
	if err := p.WaitWrite(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.WaitRead(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("throttled read after write took only %s", elapsed)
	}
}

func TestWaitWrite_ContextCancelled(t *testing.T) {
	p := New(1, false) // one write per minute
	ctx := context.Background()

	if err := p.WaitWrite(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cancelled, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := p.WaitWrite(cancelled); err == nil {
		t.Error("expected error when context expires before the next slot")
	}
}

func TestInterval(t *testing.T) {
	p := New(10, false)
	if got := p.Interval(); got != 6*time.Second {
		t.Errorf("unexpected interval: %s", got)
	}
}

func TestNew_NonPositiveRPM(t *testing.T) {
	p := New(0, false)
	if got := p.Interval(); got != time.Minute {
		t.Errorf("unexpected interval for clamped rpm: %s", got)
	}
}
