package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"notifyfwd/internal/eventbus"
	logx "notifyfwd/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, opts ...Option) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New(), opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func blockingTask(name, key string, started chan<- string, release <-chan struct{}) Task {
	return Task{
		Name:           name,
		ConcurrencyKey: key,
		Opt:            TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			started <- key
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}
}

func TestOverlapSkipSameKey(t *testing.T) {
	s := startEngine(t, Config{Workers: 4})
	started := make(chan string, 4)
	release := make(chan struct{})

	if err := s.Enqueue(blockingTask("dispatch", "7", started, release)); err != nil {
		t.Fatalf("Enqueue(7) error = %v", err)
	}
	<-started
	if err := s.Enqueue(blockingTask("dispatch", "7", started, release)); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("Enqueue(7 again) error = %v, want ErrOverlapSkip", err)
	}

	// A different key runs concurrently with the first.
	if err := s.Enqueue(blockingTask("dispatch", "8", started, release)); err != nil {
		t.Fatalf("Enqueue(8) error = %v", err)
	}
	select {
	case k := <-started:
		if k != "8" {
			t.Fatalf("started key = %q, want 8", k)
		}
	case <-time.After(time.Second):
		t.Fatal("key 8 did not start while key 7 was in flight")
	}

	close(release)
	waitFor(t, "keys released", func() bool { return s.Snapshot().Keys == 0 })

	// After completion the same key can run again.
	if err := s.Enqueue(blockingTask("dispatch", "7", started, release)); err != nil {
		t.Fatalf("Enqueue(7 after completion) error = %v", err)
	}
	<-started
}

func TestRetriesThenSucceeds(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 3})
	var calls atomic.Int32
	done := make(chan struct{})
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("relay unavailable")
			}
			close(done)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never succeeded")
	}
	waitFor(t, "history", func() bool { return len(s.Snapshot().History) == 1 })
	h := s.Snapshot().History[0]
	if h.Attempts != 3 || h.Error != "" {
		t.Fatalf("history = %+v, want 3 attempts and no error", h)
	}
}

func TestNoRetryStopsAfterFirstAttempt(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 5})
	var calls atomic.Int32
	err := s.Enqueue(Task{
		Name: "permanent",
		Opt:  TaskOptions{RetryBase: time.Millisecond},
		Run: func(ctx context.Context) error {
			calls.Add(1)
			return NoRetry(errors.New("bad input"))
		},
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, "history", func() bool { return len(s.Snapshot().History) == 1 })
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if h := s.Snapshot().History[0]; h.Error != "bad input" {
		t.Fatalf("history error = %q, want bad input", h.Error)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: -1})
	if err := s.Enqueue(Task{Name: "boom", Run: func(ctx context.Context) error { panic("kaboom") }}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, "history", func() bool { return len(s.Snapshot().History) == 1 })
	if h := s.Snapshot().History[0]; h.Error != "panic: kaboom" {
		t.Fatalf("history error = %q, want panic: kaboom", h.Error)
	}

	// The worker survives and keeps serving.
	done := make(chan struct{})
	_ = s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestEnqueueStates(t *testing.T) {
	task := Task{Name: "x", Run: func(context.Context) error { return nil }}

	disabled := New(Config{}, logx.Nop(), nil)
	if err := disabled.Enqueue(task); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Enqueue(disabled) error = %v, want ErrDisabled", err)
	}
	stopped := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := stopped.Enqueue(task); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue(not started) error = %v, want ErrStopped", err)
	}
	if err := stopped.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatal("Enqueue(nil Run) error = nil, want error")
	}
}

type fakeClaimer struct {
	mu       sync.Mutex
	held     map[string]bool
	err      error
	released []string
}

func (c *fakeClaimer) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if c.held[key] {
		return false, nil
	}
	c.held[key] = true
	return true, nil
}

func (c *fakeClaimer) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, key)
	c.released = append(c.released, key)
	return nil
}

func TestDurableClaimHeldElsewhereSkips(t *testing.T) {
	claims := &fakeClaimer{held: map[string]bool{"dispatch:5": true}}
	s := startEngine(t, Config{Workers: 1}, WithClaimer(claims))

	var ran atomic.Bool
	err := s.Enqueue(Task{
		Name:           "dispatch",
		ConcurrencyKey: "5",
		ClaimKey:       "dispatch:5",
		Opt:            TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:            func(context.Context) error { ran.Store(true); return nil },
	})
	if !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("Enqueue() error = %v, want ErrOverlapSkip", err)
	}
	if s.Snapshot().Keys != 0 {
		t.Fatal("in-process key leaked after claim refusal")
	}
	if ran.Load() {
		t.Fatal("task ran although claim was held elsewhere")
	}
}

func TestDurableClaimReleasedAfterRun(t *testing.T) {
	claims := &fakeClaimer{held: map[string]bool{}}
	s := startEngine(t, Config{Workers: 1}, WithClaimer(claims))

	err := s.Enqueue(Task{
		Name:           "dispatch",
		ConcurrencyKey: "6",
		ClaimKey:       "dispatch:6",
		Opt:            TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:            func(context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, "claim release", func() bool {
		claims.mu.Lock()
		defer claims.mu.Unlock()
		return len(claims.released) == 1
	})
	if claims.released[0] != "dispatch:6" {
		t.Fatalf("released = %v, want [dispatch:6]", claims.released)
	}
}

func TestDurableClaimErrorFallsBack(t *testing.T) {
	claims := &fakeClaimer{held: map[string]bool{}, err: errors.New("redis down")}
	s := startEngine(t, Config{Workers: 1}, WithClaimer(claims))

	done := make(chan struct{})
	err := s.Enqueue(Task{
		Name:           "dispatch",
		ConcurrencyKey: "9",
		ClaimKey:       "dispatch:9",
		Opt:            TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:            func(context.Context) error { close(done); return nil },
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v, want nil", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run when the claimer failed")
	}
	waitFor(t, "key release", func() bool { return s.Snapshot().Keys == 0 })
	if len(claims.released) != 0 {
		t.Fatalf("released = %v, want none for an unclaimed task", claims.released)
	}
}

func TestQueueFullReleasesKey(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	started := make(chan string, 4)
	release := make(chan struct{})
	defer close(release)

	if err := s.Enqueue(blockingTask("dispatch", "1", started, release)); err != nil {
		t.Fatalf("Enqueue(1) error = %v", err)
	}
	<-started
	if err := s.Enqueue(blockingTask("dispatch", "2", started, release)); err != nil {
		t.Fatalf("Enqueue(2) error = %v", err)
	}
	if err := s.Enqueue(blockingTask("dispatch", "3", started, release)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue(3) error = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().Keys; got != 2 {
		t.Fatalf("Keys = %d, want 2", got)
	}
}

func TestSubmitWaitsForRoom(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	started := make(chan string, 4)
	release := make(chan struct{})

	if err := s.Enqueue(blockingTask("dispatch", "1", started, release)); err != nil {
		t.Fatalf("Enqueue(1) error = %v", err)
	}
	<-started
	if err := s.Enqueue(blockingTask("dispatch", "2", started, release)); err != nil {
		t.Fatalf("Enqueue(2) error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	err := s.Submit(ctx, blockingTask("dispatch", "3", started, release))
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit(full queue) error = %v, want DeadlineExceeded", err)
	}
	if got := s.Snapshot().Keys; got != 2 {
		t.Fatalf("Keys = %d, want 2", got)
	}

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background(), blockingTask("dispatch", "3", started, release)) }()
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit() never got queue room")
	}
	waitFor(t, "task 3 to run", func() bool {
		for {
			select {
			case k := <-started:
				if k == "3" {
					return true
				}
			default:
				return false
			}
		}
	})
}

func TestStopReleasesQueuedKeys(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())
	started := make(chan string, 4)
	release := make(chan struct{})

	_ = s.Enqueue(blockingTask("dispatch", "1", started, release))
	<-started
	_ = s.Enqueue(blockingTask("dispatch", "2", started, release))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	close(release)

	if got := s.Snapshot().Keys; got != 0 {
		t.Fatalf("Keys after Stop = %d, want 0", got)
	}
	if err := s.Enqueue(blockingTask("dispatch", "2", started, release)); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue(after Stop) error = %v, want ErrStopped", err)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	opt := TaskOptions{}.withDefaults(Config{RetryMax: 3})
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{10, 15 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(opt, tt.retry, nil); got != tt.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
	hinted := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), time.Minute), nil)
	if hinted != opt.RetryMaxDelay {
		t.Fatalf("backoffDelayWithHint() = %v, want %v", hinted, opt.RetryMaxDelay)
	}
}
