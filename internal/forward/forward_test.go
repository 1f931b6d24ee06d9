package forward

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"notifyfwd/internal/eventbus"
	"notifyfwd/internal/notification"
	"notifyfwd/internal/storage"
	"notifyfwd/internal/task/engine"
	logx "notifyfwd/pkg/logx"
)

func TestShouldForward(t *testing.T) {
	plain := notification.User{ID: 1}
	super := notification.User{ID: 2, IsSuperuser: true}
	tests := []struct {
		name          string
		actor         notification.User
		enabled       bool
		superuserOnly bool
		want          bool
	}{
		{"disabled plain", plain, false, false, false},
		{"disabled super", super, false, false, false},
		{"disabled super only", super, false, true, false},
		{"enabled plain", plain, true, false, true},
		{"super only plain", plain, true, true, false},
		{"super only super", super, true, true, true},
	}
	for _, tt := range tests {
		if got := ShouldForward(tt.actor, tt.enabled, tt.superuserOnly); got != tt.want {
			t.Fatalf("%s: ShouldForward() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

type decisionRecorder struct {
	mu        sync.Mutex
	decisions []string
	outcomes  []string
}

func (r *decisionRecorder) Decision(forwarded bool, reason string) {
	r.mu.Lock()
	r.decisions = append(r.decisions, reason)
	r.mu.Unlock()
}

func (r *decisionRecorder) Dispatch(outcome string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
}

func TestFilterFollowsReloadedSettings(t *testing.T) {
	settings := NewSettings(Config{Enabled: true})
	rec := &decisionRecorder{}
	f := NewFilter(settings, rec)
	n := notification.Notification{ID: 1, Recipient: notification.User{ID: 5}}

	if !f.Allow(n) {
		t.Fatal("Allow() = false with forwarding enabled")
	}
	settings.Store(Config{Enabled: true, SuperuserOnly: true})
	if f.Allow(n) {
		t.Fatal("Allow() = true for a plain user with superuser_only")
	}
	settings.Store(Config{})
	if f.Allow(n) {
		t.Fatal("Allow() = true with forwarding disabled")
	}
	want := []string{"eligible", "not_superuser", "disabled"}
	if strings.Join(rec.decisions, ",") != strings.Join(want, ",") {
		t.Fatalf("decisions = %v, want %v", rec.decisions, want)
	}
}

func sampleNotification(body string, sev notification.Severity) notification.Notification {
	return notification.Notification{
		ID:        42,
		Recipient: notification.User{ID: 7, Username: "bruce"},
		Title:     "Fuel low",
		Body:      body,
		Severity:  sev,
		CreatedAt: time.Date(2026, 5, 4, 10, 11, 12, 345678000, time.UTC),
	}
}

func TestBuildTruncatesBody(t *testing.T) {
	urls := SiteURLs{BaseURL: "https://auth.example.com"}
	tests := []struct {
		name string
		body string
		want int
	}{
		{"long", strings.Repeat("x", 3000), MaxBodyLength},
		{"short", strings.Repeat("x", 100), 100},
		{"exact", strings.Repeat("x", MaxBodyLength), MaxBodyLength},
		{"multibyte", strings.Repeat("é", 2500), MaxBodyLength},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		msg := BuildMessage(sampleNotification(tt.body, notification.SeverityInfo), urls, "Auth")
		if got := utf8.RuneCountInString(msg.Body); got != tt.want {
			t.Fatalf("%s: body length = %d, want %d", tt.name, got, tt.want)
		}
		if !strings.HasPrefix(tt.body, msg.Body) {
			t.Fatalf("%s: body is not a prefix of the original", tt.name)
		}
	}
}

func TestBuildColor(t *testing.T) {
	urls := SiteURLs{BaseURL: "https://auth.example.com"}
	tests := []struct {
		sev  notification.Severity
		want int32
		none bool
	}{
		{sev: notification.SeverityInfo, want: 0x5BC0DE},
		{sev: notification.SeveritySuccess, want: 0x5CB85C},
		{sev: notification.SeverityWarning, want: 0xF0AD4E},
		{sev: notification.SeverityDanger, want: 0xD9534F},
		{sev: "critical", none: true},
		{sev: "", none: true},
	}
	for _, tt := range tests {
		msg := BuildMessage(sampleNotification("b", tt.sev), urls, "Auth")
		if tt.none {
			if msg.Color != nil {
				t.Fatalf("severity %q: Color = %#x, want none", tt.sev, *msg.Color)
			}
			continue
		}
		if msg.Color == nil || *msg.Color != tt.want {
			t.Fatalf("severity %q: Color = %v, want %#x", tt.sev, msg.Color, tt.want)
		}
	}
}

func TestBuilderFields(t *testing.T) {
	b := NewBuilder(NewSettings(Config{
		SiteName:  "Alliance Auth",
		BaseURL:   "https://auth.example.com/",
		StaticURL: "https://cdn.example.com/static/",
	}))
	msg := b.Build(sampleNotification("hello", notification.SeverityWarning))

	checks := []struct{ name, got, want string }{
		{"author", msg.Author.Name, "Alliance Auth Notification"},
		{"icon", msg.Author.IconURL, "https://cdn.example.com/static/icons/apple-touch-icon.png"},
		{"title", msg.Title, "Fuel low"},
		{"url", msg.URL, "https://auth.example.com/notifications/42/"},
		{"body", msg.Body, "hello"},
		{"timestamp", msg.Timestamp, "2026-05-04T10:11:12.345678Z"},
		{"footer", msg.Footer, "Alliance Auth"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
}

func TestSiteURLsStaticFallback(t *testing.T) {
	u := SiteURLs{BaseURL: "https://auth.example.com"}
	if got, want := u.StaticURL("icons/x.png"), "https://auth.example.com/static/icons/x.png"; got != want {
		t.Fatalf("StaticURL() = %q, want %q", got, want)
	}
	u.StaticRoot = "https://cdn.example.com/aa/"
	if got, want := u.StaticURL("/icons/x.png"), "https://cdn.example.com/aa/icons/x.png"; got != want {
		t.Fatalf("StaticURL() = %q, want %q", got, want)
	}
}

type fakeSender struct {
	mu    sync.Mutex
	calls []int64
	msgs  []OutboundMessage
	err   error
	block chan struct{}
}

func (s *fakeSender) Send(ctx context.Context, externalID int64, msg OutboundMessage) error {
	s.mu.Lock()
	s.calls = append(s.calls, externalID)
	s.msgs = append(s.msgs, msg)
	block, err := s.block, s.err
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type countingMarker struct {
	ViewMarker
	mu  sync.Mutex
	ids []int64
}

func (m *countingMarker) MarkViewed(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	m.ids = append(m.ids, id)
	m.mu.Unlock()
	return m.ViewMarker.MarkViewed(ctx, id)
}

type pipeline struct {
	store    storage.Store
	svc      *notification.Service
	bus      eventbus.Bus
	settings *Settings
	sender   *fakeSender
	marker   *countingMarker
	rec      *decisionRecorder
	coord    *Coordinator
}

func newPipeline(t *testing.T, cfg Config) *pipeline {
	t.Helper()
	p := &pipeline{
		store:    storage.NewMemory(),
		bus:      eventbus.New(),
		settings: NewSettings(cfg),
		sender:   &fakeSender{},
		rec:      &decisionRecorder{},
	}
	p.svc = notification.NewService(p.store, p.bus, logx.Nop())
	p.marker = &countingMarker{ViewMarker: p.svc}
	p.coord = NewCoordinator(Deps{
		Loader:   p.svc,
		Identity: DirectoryResolver{Dir: p.store},
		Sender:   p.sender,
		Ack:      NewAcknowledger(p.marker),
		Settings: p.settings,
		Recorder: p.rec,
		Log:      logx.Nop(),
	})
	return p
}

func (p *pipeline) notify(t *testing.T, userID int64) notification.Notification {
	t.Helper()
	n, err := p.svc.Notify(context.Background(), notification.User{ID: userID, Username: "u"}, "Structure alert", "Shield low", notification.SeverityDanger)
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	return n
}

func (p *pipeline) viewed(t *testing.T, id int64) bool {
	t.Helper()
	n, ok, err := p.store.GetNotification(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("GetNotification(%d) = _, %v, %v", id, ok, err)
	}
	return n.Viewed
}

func TestDispatchWithoutIdentity(t *testing.T) {
	p := newPipeline(t, Config{Enabled: true, MarkViewed: true})
	n := p.notify(t, 7)

	if err := p.coord.Dispatch(context.Background(), n.ID); err != nil {
		t.Fatalf("Dispatch() error = %v, want nil", err)
	}
	if got := p.sender.count(); got != 0 {
		t.Fatalf("sender calls = %d, want 0", got)
	}
	if len(p.marker.ids) != 0 {
		t.Fatalf("mark viewed calls = %v, want none", p.marker.ids)
	}
	if p.rec.outcomes[0] != OutcomeNoIdentity {
		t.Fatalf("outcome = %q, want %q", p.rec.outcomes[0], OutcomeNoIdentity)
	}
}

func TestDispatchSuccessMarksViewed(t *testing.T) {
	p := newPipeline(t, Config{Enabled: true, MarkViewed: true, SiteName: "Auth"})
	_ = p.store.LinkExternal(context.Background(), 7, 900)
	n := p.notify(t, 7)

	if err := p.coord.Dispatch(context.Background(), n.ID); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(p.sender.calls) != 1 || p.sender.calls[0] != 900 {
		t.Fatalf("sender calls = %v, want [900]", p.sender.calls)
	}
	if len(p.marker.ids) != 1 || p.marker.ids[0] != n.ID {
		t.Fatalf("mark viewed calls = %v, want [%d]", p.marker.ids, n.ID)
	}
	if !p.viewed(t, n.ID) {
		t.Fatal("viewed = false after successful delivery")
	}
	if got := p.sender.msgs[0].Footer; got != "Auth" {
		t.Fatalf("footer = %q, want Auth", got)
	}
}

func TestDispatchSuccessWithoutMarkViewed(t *testing.T) {
	p := newPipeline(t, Config{Enabled: true})
	_ = p.store.LinkExternal(context.Background(), 7, 900)
	n := p.notify(t, 7)

	if err := p.coord.Dispatch(context.Background(), n.ID); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(p.marker.ids) != 0 {
		t.Fatalf("mark viewed calls = %v, want none", p.marker.ids)
	}
	if p.viewed(t, n.ID) {
		t.Fatal("viewed = true with mark_viewed disabled")
	}
}

func TestDispatchFailureLeavesUnviewed(t *testing.T) {
	p := newPipeline(t, Config{Enabled: true, MarkViewed: true})
	_ = p.store.LinkExternal(context.Background(), 7, 900)
	sendErr := errors.New("relay unavailable")
	p.sender.err = sendErr
	n := p.notify(t, 7)

	err := p.coord.Dispatch(context.Background(), n.ID)
	if !errors.Is(err, sendErr) {
		t.Fatalf("Dispatch() error = %v, want %v", err, sendErr)
	}
	if len(p.marker.ids) != 0 {
		t.Fatalf("mark viewed calls = %v, want none", p.marker.ids)
	}
	if p.viewed(t, n.ID) {
		t.Fatal("viewed = true after failed delivery")
	}
}

func TestDispatchDeletedNotification(t *testing.T) {
	p := newPipeline(t, Config{Enabled: true, MarkViewed: true})
	_ = p.store.LinkExternal(context.Background(), 7, 900)
	n := p.notify(t, 7)
	p.store.(interface{ DeleteNotification(int64) }).DeleteNotification(n.ID)

	if err := p.coord.Dispatch(context.Background(), n.ID); err != nil {
		t.Fatalf("Dispatch() error = %v, want nil", err)
	}
	if p.sender.count() != 0 {
		t.Fatal("sender called for a deleted notification")
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	p := newPipeline(t, Config{})
	n := p.notify(t, 7)
	ack := NewAcknowledger(p.svc)

	for i := 0; i < 2; i++ {
		if err := ack.MarkViewed(context.Background(), n.ID); err != nil {
			t.Fatalf("MarkViewed() #%d error = %v", i+1, err)
		}
	}
	if !p.viewed(t, n.ID) {
		t.Fatal("viewed = false after MarkViewed")
	}
	if err := ack.MarkViewed(context.Background(), n.ID+100); err != nil {
		t.Fatalf("MarkViewed(missing) error = %v, want nil", err)
	}
}

type recordingScheduler struct {
	mu    sync.Mutex
	tasks []engine.Task
}

func (s *recordingScheduler) Submit(_ context.Context, t engine.Task) error {
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return nil
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func TestHookSchedulesOnlyCreations(t *testing.T) {
	p := newPipeline(t, Config{Enabled: true})
	sched := &recordingScheduler{}
	p.svc.OnCreated(NewHook(NewFilter(p.settings, p.rec), sched, p.coord, time.Second, logx.Nop()))

	n := p.notify(t, 7)
	if got := sched.count(); got != 1 {
		t.Fatalf("scheduled tasks = %d after Notify, want 1", got)
	}
	task := sched.tasks[0]
	if task.Name != TaskName || task.ConcurrencyKey != DispatchKey(n.ID) {
		t.Fatalf("task = %+v", task)
	}
	if task.ClaimKey != "dispatch:"+DispatchKey(n.ID) {
		t.Fatalf("ClaimKey = %q, want dispatch:%d", task.ClaimKey, n.ID)
	}

	if _, err := p.svc.MarkViewed(context.Background(), n.ID); err != nil {
		t.Fatalf("MarkViewed() error = %v", err)
	}
	if got := sched.count(); got != 1 {
		t.Fatalf("scheduled tasks = %d after an update, want 1", got)
	}
}

func TestHookSkipsIneligible(t *testing.T) {
	p := newPipeline(t, Config{Enabled: true, SuperuserOnly: true})
	sched := &recordingScheduler{}
	hook := NewHook(NewFilter(p.settings, p.rec), sched, p.coord, 0, logx.Nop())
	ctx := context.Background()

	if err := hook.NotificationCreated(ctx, notification.Notification{ID: 1, Recipient: notification.User{ID: 3}}); err != nil {
		t.Fatalf("NotificationCreated() error = %v", err)
	}
	if sched.count() != 0 {
		t.Fatal("ineligible notification was scheduled")
	}
	if err := hook.NotificationCreated(ctx, notification.Notification{ID: 2, Recipient: notification.User{ID: 4, IsSuperuser: true}}); err != nil {
		t.Fatalf("NotificationCreated() error = %v", err)
	}
	if sched.count() != 1 {
		t.Fatal("eligible superuser notification was not scheduled")
	}
}

func TestHookCollapsesInFlightDuplicates(t *testing.T) {
	p := newPipeline(t, Config{Enabled: true, MarkViewed: true})
	_ = p.store.LinkExternal(context.Background(), 7, 900)
	p.sender.block = make(chan struct{})

	eng := engine.New(engine.Config{Enabled: true, Workers: 4}, logx.Nop(), p.bus)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	hook := NewHook(NewFilter(p.settings, p.rec), eng, p.coord, 5*time.Second, logx.Nop())
	n := p.notify(t, 7)
	other := p.notify(t, 7)
	ctx := context.Background()

	if err := hook.NotificationCreated(ctx, n); err != nil {
		t.Fatalf("NotificationCreated() error = %v", err)
	}
	if err := hook.NotificationCreated(ctx, n); err != nil {
		t.Fatalf("NotificationCreated(duplicate) error = %v, want nil", err)
	}
	if err := hook.NotificationCreated(ctx, other); err != nil {
		t.Fatalf("NotificationCreated(other) error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.sender.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("sender calls = %d, want 2 concurrent dispatches", p.sender.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(p.sender.block)

	deadline = time.Now().Add(2 * time.Second)
	for !p.viewed(t, n.ID) || !p.viewed(t, other.ID) {
		if time.Now().After(deadline) {
			t.Fatal("dispatches did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := p.sender.count(); got != 2 {
		t.Fatalf("sender calls = %d, want 2", got)
	}
}

func TestBurstOfCreationsIsNotLost(t *testing.T) {
	p := newPipeline(t, Config{Enabled: true, MarkViewed: true})
	_ = p.store.LinkExternal(context.Background(), 7, 900)

	// A small queue forces Notify to wait for room instead of dropping.
	eng := engine.New(engine.Config{Enabled: true, Workers: 2, QueueSize: 4}, logx.Nop(), p.bus)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())
	p.svc.OnCreated(NewHook(NewFilter(p.settings, p.rec), eng, p.coord, 5*time.Second, logx.Nop()))

	const total = 1000
	ids := make([]int64, 0, total)
	for i := 0; i < total; i++ {
		ids = append(ids, p.notify(t, 7).ID)
	}

	deadline := time.Now().Add(10 * time.Second)
	for p.sender.count() < total {
		if time.Now().After(deadline) {
			t.Fatalf("sender calls = %d, want %d", p.sender.count(), total)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.sender.count(); got != total {
		t.Fatalf("sender calls = %d, want %d", got, total)
	}
	deadline = time.Now().Add(5 * time.Second)
	for _, id := range ids {
		for !p.viewed(t, id) {
			if time.Now().After(deadline) {
				t.Fatalf("notification %d never marked viewed", id)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}
