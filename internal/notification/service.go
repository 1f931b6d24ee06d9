package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"notifyfwd/internal/eventbus"
	logx "notifyfwd/pkg/logx"
)

var ErrEmptyTitle = errors.New("notification title is required")

// Repository is the persistence the service needs.
type Repository interface {
	CreateNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, id int64) (Notification, bool, error)
	MarkViewed(ctx context.Context, id int64) (changed bool, err error)
}

// CreatedHandler is called on the creating goroutine for every new
// notification. An error means the notification was stored but not handed on.
type CreatedHandler interface {
	NotificationCreated(ctx context.Context, n Notification) error
}

// Service creates notifications and publishes their lifecycle events.
//
// Only Notify emits EventCreated and calls the CreatedHandler; every other
// mutation emits EventUpdated, so nothing that reacts to creation sees
// updates as new work. Bus events are best effort; the handler is not.
type Service struct {
	repo    Repository
	bus     eventbus.Bus
	created atomic.Pointer[CreatedHandler]
	log     logx.Logger
	now     func() time.Time
}

func NewService(repo Repository, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{repo: repo, bus: bus, log: log, now: time.Now}
}

// OnCreated installs h as the created handler. nil removes it.
func (s *Service) OnCreated(h CreatedHandler) {
	if h == nil {
		s.created.Store(nil)
		return
	}
	s.created.Store(&h)
}

// Created runs the created handler for n, which was stored elsewhere (for
// example by another process sharing the store).
func (s *Service) Created(ctx context.Context, n Notification) error {
	h := s.created.Load()
	if h == nil {
		return nil
	}
	if err := (*h).NotificationCreated(ctx, n); err != nil {
		return fmt.Errorf("hand on notification %d: %w", n.ID, err)
	}
	return nil
}

// Notify stores a new notification for user and announces it.
func (s *Service) Notify(ctx context.Context, user User, title, body string, sev Severity) (Notification, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Notification{}, ErrEmptyTitle
	}
	if sev == "" {
		sev = SeverityInfo
	}
	n := Notification{
		Recipient: user,
		Title:     title,
		Body:      body,
		Severity:  sev,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreateNotification(ctx, &n); err != nil {
		return Notification{}, fmt.Errorf("create notification: %w", err)
	}
	s.log.Info("notification created", logx.Int64("id", n.ID), logx.String("user", user.String()))
	s.publish(EventCreated, n)
	if err := s.Created(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// Get loads a notification by id.
func (s *Service) Get(ctx context.Context, id int64) (Notification, bool, error) {
	return s.repo.GetNotification(ctx, id)
}

// MarkViewed flips the viewed flag. It is idempotent and reports whether the
// flag actually changed; a missing notification is not an error.
func (s *Service) MarkViewed(ctx context.Context, id int64) (bool, error) {
	changed, err := s.repo.MarkViewed(ctx, id)
	if err != nil {
		return false, fmt.Errorf("mark notification %d viewed: %w", id, err)
	}
	if !changed {
		return false, nil
	}
	if s.bus != nil {
		if n, ok, err := s.repo.GetNotification(ctx, id); err == nil && ok {
			s.publish(EventUpdated, n)
		}
	}
	return true, nil
}

func (s *Service) publish(typ string, n Notification) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: n})
}
