package omni

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newMockCorrelator(timeout time.Duration) (*Correlator, *clock.Mock) {
	mock := clock.NewMock()
	return NewCorrelator(CorrelatorOptions{Timeout: timeout, Clock: mock}), mock
}

func waitDone(t *testing.T, p *PendingRequest) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("request %s did not complete", p.ID)
	}
}

func TestCorrelatorResolve(t *testing.T) {
	c, _ := newMockCorrelator(10 * time.Second)

	p, err := c.Register("dev-1", KindUnlock)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if p.State() != StatePending {
		t.Errorf("State() = %v, want pending", p.State())
	}

	want := UnlockResult{Success: true, UserID: "u1"}
	if !c.Resolve("dev-1", KindUnlock, Result{DeviceID: "dev-1", Kind: KindUnlock, Payload: want}) {
		t.Fatal("Resolve() = false, want true")
	}

	res, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.Payload != want {
		t.Errorf("Wait() payload = %+v, want %+v", res.Payload, want)
	}
	if p.State() != StateResolved {
		t.Errorf("State() = %v, want resolved", p.State())
	}
	if c.IsPending("dev-1", KindUnlock) {
		t.Error("IsPending() = true after resolve")
	}
}

func TestCorrelatorRejectsDuplicate(t *testing.T) {
	c, _ := newMockCorrelator(10 * time.Second)

	if _, err := c.Register("dev-1", KindUnlock); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	_, err := c.Register("dev-1", KindUnlock)
	if !errors.Is(err, ErrRequestAlreadyPending) {
		t.Errorf("second Register() error = %v, want ErrRequestAlreadyPending", err)
	}

	// Different kind or device is independent.
	if _, err := c.Register("dev-1", KindLockInfo); err != nil {
		t.Errorf("Register(other kind) error = %v", err)
	}
	if _, err := c.Register("dev-2", KindUnlock); err != nil {
		t.Errorf("Register(other device) error = %v", err)
	}
}

func TestCorrelatorTimeoutIsFinal(t *testing.T) {
	c, mock := newMockCorrelator(10 * time.Second)

	p, err := c.Register("dev-1", KindPosition)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	mock.Add(9 * time.Second)
	if p.State() != StatePending {
		t.Fatalf("State() before deadline = %v, want pending", p.State())
	}

	mock.Add(2 * time.Second)
	waitDone(t, p)

	_, err = p.Wait(context.Background())
	if !errors.Is(err, ErrCorrelationTimeout) {
		t.Errorf("Wait() error = %v, want ErrCorrelationTimeout", err)
	}

	// A late reply is a no-op and does not re-resolve.
	if c.Resolve("dev-1", KindPosition, Result{Payload: Position{Valid: true}}) {
		t.Error("late Resolve() = true, want false")
	}
	if p.State() != StateTimedOut {
		t.Errorf("State() = %v, want timed_out", p.State())
	}
	_, err = p.Wait(context.Background())
	if !errors.Is(err, ErrCorrelationTimeout) {
		t.Errorf("Wait() after late reply error = %v, want ErrCorrelationTimeout", err)
	}

	// The slot is free again.
	if _, err := c.Register("dev-1", KindPosition); err != nil {
		t.Errorf("Register() after timeout error = %v", err)
	}

	stats := c.Stats()
	if stats.TimedOut != 1 || stats.Orphans != 1 {
		t.Errorf("Stats() = %+v, want 1 timed out and 1 orphan", stats)
	}
}

func TestCorrelatorResolveBeforeDeadlineStopsTimer(t *testing.T) {
	c, mock := newMockCorrelator(10 * time.Second)

	p, _ := c.Register("dev-1", KindLockInfo)
	c.Resolve("dev-1", KindLockInfo, Result{Payload: LockInfo{Locked: true}})

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)

	if p.State() != StateResolved {
		t.Errorf("State() = %v, want resolved", p.State())
	}
	if got := c.Stats().TimedOut; got != 0 {
		t.Errorf("TimedOut = %d, want 0", got)
	}
}

func TestCorrelatorAbandon(t *testing.T) {
	c, _ := newMockCorrelator(10 * time.Second)
	cause := errors.New("broken pipe")

	p, _ := c.Register("dev-1", KindUnlock)
	if !c.Abandon(p, cause) {
		t.Fatal("Abandon() = false, want true")
	}
	if c.Abandon(p, cause) {
		t.Error("second Abandon() = true, want false")
	}

	_, err := p.Wait(context.Background())
	if !errors.Is(err, cause) {
		t.Errorf("Wait() error = %v, want %v", err, cause)
	}
	if c.IsPending("dev-1", KindUnlock) {
		t.Error("IsPending() = true after abandon")
	}
}

func TestCorrelatorWaitHonoursContext(t *testing.T) {
	c, _ := newMockCorrelator(10 * time.Second)
	p, _ := c.Register("dev-1", KindUnlock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
	// Caller cancellation does not cancel the request.
	if !c.IsPending("dev-1", KindUnlock) {
		t.Error("IsPending() = false, want request still pending")
	}
}

func TestCorrelatorConcurrentResolveAndTimeout(t *testing.T) {
	for i := 0; i < 50; i++ {
		c := NewCorrelator(CorrelatorOptions{Timeout: time.Millisecond})
		p, err := c.Register("dev-1", KindUnlock)
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Resolve("dev-1", KindUnlock, Result{Payload: UnlockResult{Success: true}})
		}()
		waitDone(t, p)
		wg.Wait()

		state := p.State()
		if state != StateResolved && state != StateTimedOut {
			t.Fatalf("State() = %v, want a terminal state", state)
		}
		stats := c.Stats()
		if stats.Resolved+stats.TimedOut != 1 {
			t.Fatalf("resolved+timed out = %d, want exactly 1", stats.Resolved+stats.TimedOut)
		}
	}
}
