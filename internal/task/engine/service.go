package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"notifyfwd/internal/eventbus"
	rtsup "notifyfwd/internal/runtime/supervisor"
	logx "notifyfwd/pkg/logx"
)

const (
	warnThrottleEvery = 5 * time.Second
	claimCallTimeout  = 2 * time.Second
	defaultClaimTTL   = 10 * time.Minute
)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	claimer Claimer

	baseCtx  context.Context
	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	keyMu    sync.Mutex
	inflight map[string]struct{}

	hmu     sync.Mutex
	history []HistoryItem

	running          atomic.Int32
	skipped          atomic.Uint64
	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	key     string // in-process overlap key held by this task
	claimed bool   // durable claim held by this task
}

type Option func(*Service)

// WithClaimer adds a durable in-flight registry consulted for tasks with a
// ClaimKey.
func WithClaimer(c Claimer) Option {
	return func(s *Service) { s.claimer = c }
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      normalize(cfg),
		log:      log,
		bus:      bus,
		inflight: map[string]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func normalize(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaultClaimTTL
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the configuration. Workers are restarted when the pool shape
// or the enabled flag changes.
func (s *Service) Apply(cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil
	base := s.baseCtx
	s.mu.Unlock()

	if base == nil {
		return
	}
	switch {
	case running && !cfg.Enabled:
		s.Stop(context.Background())
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.Stop(context.Background())
		s.Start(base)
	case !running && cfg.Enabled:
		s.Start(base)
	}
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.baseCtx = ctx
	cfg := s.cfg
	if !cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return
	}

	queue := make(chan queuedTask, cfg.QueueSize)
	stopCh := make(chan struct{})
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		// A failing worker must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	s.q, s.stopCh, s.sup = queue, stopCh, sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Bool("durable_claims", s.claimer != nil))
}

// Stop stops the workers and releases every key still held by queued tasks.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("task engine stop timed out", logx.Err(err))
	}

	// Tasks that never reached a worker must not keep their keys.
drain:
	for {
		select {
		case qt := <-queue:
			s.release(qt)
			s.onDropped(time.Now(), qt, 0, "stopped")
		default:
			break drain
		}
	}

	s.mu.Lock()
	s.q, s.stopCh, s.sup = nil, nil, nil
	s.stopping = false
	s.mu.Unlock()
	s.log.Info("task engine stopped")
}

// Enqueue tries to enqueue a task without blocking. If the queue is full, the
// task is dropped with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit enqueues a task, waiting for queue room until ctx ends or the engine
// stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopping
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: t.Opt.withDefaults(cfg)}

	if qt.opt.Overlap == OverlapSkipIfRunning {
		key := keyFor(t)
		if !s.acquireKey(key) {
			s.onSkipped(now, t, "overlap_skip")
			return ErrOverlapSkip
		}
		qt.key = key

		if t.ClaimKey != "" && s.claimer != nil {
			cctx, cancel := context.WithTimeout(ctx, claimCallTimeout)
			ok, err := s.claimer.Claim(cctx, t.ClaimKey, cfg.ClaimTTL)
			cancel()
			switch {
			case err != nil:
				// Fall back to in-process dedup only.
				s.log.Warn("durable claim failed", logx.String("task", t.Name), logx.String("claim", t.ClaimKey), logx.Err(err))
			case !ok:
				s.releaseKey(key)
				s.onSkipped(now, t, "claim_held")
				return ErrOverlapSkip
			default:
				qt.claimed = true
			}
		}
	}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			s.release(qt)
			s.onQueueFull(now, qt, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		s.release(qt)
		return ctx.Err()
	case <-stopCh:
		s.release(qt)
		return ErrStopping
	}
}

func keyFor(t Task) string {
	if k := strings.TrimSpace(t.ConcurrencyKey); k != "" {
		return t.Name + "/" + k
	}
	return t.Name
}

func (s *Service) acquireKey(key string) bool {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Service) releaseKey(key string) {
	s.keyMu.Lock()
	delete(s.inflight, key)
	s.keyMu.Unlock()
}

// release frees everything qt holds. Safe to call for tasks holding nothing.
func (s *Service) release(qt queuedTask) {
	if qt.key != "" {
		s.releaseKey(qt.key)
	}
	if qt.claimed && s.claimer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), claimCallTimeout)
		if err := s.claimer.Release(ctx, qt.task.ClaimKey); err != nil {
			s.log.Warn("durable claim release failed", logx.String("claim", qt.task.ClaimKey), logx.Err(err))
		}
		cancel()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Running:          q != nil,
		Workers:          cfg.Workers,
		InFlight:         int(s.running.Load()),
		Skipped:          s.skipped.Load(),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		RetryMax:         cfg.RetryMax,
		DurableClaims:    s.claimer != nil,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.keyMu.Lock()
	snap.Keys = len(s.inflight)
	s.keyMu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) onSkipped(now time.Time, t Task, reason string) {
	s.skipped.Add(1)
	s.publish(EventSkipped, TaskEvent{ID: t.ID, Name: t.Name, Key: t.ConcurrencyKey, Started: now, Error: reason})
	s.log.Debug("task skipped", logx.String("task", t.Name), logx.String("key", t.ConcurrencyKey), logx.String("reason", reason))
}

func (s *Service) onDropped(now time.Time, qt queuedTask, queueDelay time.Duration, reason string) {
	s.dropped.Add(1)
	s.publish(EventDropped, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.ConcurrencyKey, Started: now, QueueDelay: queueDelay, Error: reason})
	s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.ConcurrencyKey, Started: now, QueueDelay: queueDelay, Error: reason})
}

func (s *Service) onQueueFull(now time.Time, qt queuedTask, q chan queuedTask) {
	s.droppedQueueFull.Add(1)
	s.onDropped(now, qt, 0, "queue_full")

	prev := s.lastQueueFullWarnAt.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if s.lastQueueFullWarnAt.CompareAndSwap(prev, now.UnixNano()) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", qt.task.Name),
			logx.String("id", qt.task.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}
