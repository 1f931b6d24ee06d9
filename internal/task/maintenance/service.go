// Package maintenance triggers periodic housekeeping jobs with cron specs.
// It is trigger-only: every job runs on the task engine, so retries, overlap
// gating and history apply to housekeeping like any other task.
package maintenance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifyfwd/internal/task/engine"
	logx "notifyfwd/pkg/logx"
)

const jobPruneClaims = "maintenance.prune_claims"

type Config struct {
	// PruneClaims is a cron spec (5 or 6 fields, or a descriptor like
	// "@every 10m"). Empty disables the job.
	PruneClaims string
	Timezone    string
}

// Enqueuer is the part of the task engine the scheduler uses.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// ClaimPruner deletes expired in-flight claims.
type ClaimPruner interface {
	PruneClaims(ctx context.Context, now time.Time) (int64, error)
}

// Entry describes a registered job.
type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	eng    Enqueuer
	claims ClaimPruner
	parser cron.Parser
	c      *cron.Cron
	ids    map[string]cron.EntryID
	specs  map[string]string
}

func New(cfg Config, eng Enqueuer, claims ClaimPruner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		eng:    eng,
		claims: claims,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ids:    map[string]cron.EntryID{},
		specs:  map[string]string{},
	}
}

// Validate checks that every configured spec parses.
func (s *Service) Validate(cfg Config) error {
	if spec := strings.TrimSpace(cfg.PruneClaims); spec != "" {
		if _, err := s.parser.Parse(spec); err != nil {
			return errors.New("maintenance.prune_claims: " + err.Error())
		}
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return errors.New("maintenance.timezone: " + err.Error())
		}
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if err := s.Validate(s.cfg); err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		loc, _ = time.LoadLocation(tz)
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	if spec := strings.TrimSpace(s.cfg.PruneClaims); spec != "" && s.claims != nil {
		id, err := s.c.AddFunc(spec, func() { s.trigger(jobPruneClaims, s.pruneClaims) })
		if err != nil {
			s.c = nil
			return err
		}
		s.ids[jobPruneClaims] = id
		s.specs[jobPruneClaims] = spec
	}
	s.c.Start()
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.ids)))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.ids = map[string]cron.EntryID{}
	s.specs = map[string]string{}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	out := make([]Entry, 0, len(s.ids))
	for name, id := range s.ids {
		e := s.c.Entry(id)
		out = append(out, Entry{Name: name, Spec: s.specs[name], Next: e.Next, Prev: e.Prev})
	}
	return out
}

// trigger hands a job to the engine. Overlapping runs of the same job collapse.
func (s *Service) trigger(name string, job func(ctx context.Context) error) {
	err := s.eng.Enqueue(engine.Task{
		Name:    name,
		Timeout: 30 * time.Second,
		Run:     job,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
	})
	switch {
	case err == nil, errors.Is(err, engine.ErrOverlapSkip):
	default:
		s.log.Warn("maintenance enqueue failed", logx.String("job", name), logx.Err(err))
	}
}

func (s *Service) pruneClaims(ctx context.Context) error {
	n, err := s.claims.PruneClaims(ctx, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("expired claims pruned", logx.Int64("count", n))
	}
	return nil
}

// PruneNow runs the claim pruning job inline.
func (s *Service) PruneNow(ctx context.Context) (int64, error) {
	if s.claims == nil {
		return 0, nil
	}
	return s.claims.PruneClaims(ctx, time.Now())
}
