// Package forward mirrors newly created notifications into the recipient's
// chat direct messages.
//
// The pipeline is: Hook (bus subscriber) -> Filter (sync) -> task engine ->
// Coordinator -> IdentityResolver -> Builder -> Sender -> Acknowledger.
package forward

import (
	"sync/atomic"
	"time"

	"notifyfwd/internal/notification"
)

// Config holds the hot-reloadable forwarding settings.
type Config struct {
	Enabled       bool
	SuperuserOnly bool
	MarkViewed    bool

	SiteName  string
	BaseURL   string
	StaticURL string
}

// Settings is a lock-free holder for the live Config. Components read a
// snapshot per call so a reload never tears a single dispatch.
type Settings struct {
	p atomic.Pointer[Config]
}

func NewSettings(cfg Config) *Settings {
	s := &Settings{}
	s.Store(cfg)
	return s
}

func (s *Settings) Load() Config { return *s.p.Load() }

func (s *Settings) Store(cfg Config) { s.p.Store(&cfg) }

// Recorder receives pipeline counters. *metrics.Metrics implements it.
type Recorder interface {
	Decision(forwarded bool, reason string)
	Dispatch(outcome string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) Decision(bool, string)           {}
func (nopRecorder) Dispatch(string, time.Duration) {}

// ShouldForward decides whether a created notification is forwarded at all.
// Rules in order: disabled -> false; superuser-only and actor not a
// superuser -> false; otherwise true.
func ShouldForward(actor notification.User, featureEnabled, superuserOnly bool) bool {
	if !featureEnabled {
		return false
	}
	if superuserOnly && !actor.IsSuperuser {
		return false
	}
	return true
}

// Filter applies ShouldForward with the live settings.
type Filter struct {
	settings *Settings
	rec      Recorder
}

func NewFilter(settings *Settings, rec Recorder) *Filter {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Filter{settings: settings, rec: rec}
}

// Allow reports whether n should be scheduled for dispatch.
func (f *Filter) Allow(n notification.Notification) bool {
	cfg := f.settings.Load()
	ok := ShouldForward(n.Recipient, cfg.Enabled, cfg.SuperuserOnly)
	switch {
	case ok:
		f.rec.Decision(true, "eligible")
	case !cfg.Enabled:
		f.rec.Decision(false, "disabled")
	default:
		f.rec.Decision(false, "not_superuser")
	}
	return ok
}
