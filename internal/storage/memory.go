package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"notifyfwd/internal/notification"
)

// memoryStore keeps everything in process-local maps.
type memoryStore struct {
	mu sync.Mutex

	seq           int64
	notifications map[int64]notification.Notification
	users         map[int64]notification.User
	external      map[int64]int64
	claims        map[string]claim
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		notifications: map[int64]notification.Notification{},
		users:         map[int64]notification.User{},
		external:      map[int64]int64{},
		claims:        map[string]claim{},
	}
}

func (s *memoryStore) Durable() bool { return false }

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) CreateNotification(ctx context.Context, n *notification.Notification) error {
	_ = ctx
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	n.ID = s.seq
	n.Viewed = false
	s.notifications[n.ID] = *n
	return nil
}

func (s *memoryStore) GetNotification(ctx context.Context, id int64) (notification.Notification, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return notification.Notification{}, false, nil
	}
	// Recipient reflects the current directory entry, like a join would.
	if u, ok := s.users[n.Recipient.ID]; ok {
		n.Recipient = u
	}
	return n, true, nil
}

func (s *memoryStore) MarkViewed(ctx context.Context, id int64) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.Viewed {
		return false, nil
	}
	n.Viewed = true
	s.notifications[id] = n
	return true, nil
}

// DeleteNotification removes a notification. Only the memory store exposes
// this; tests use it to model a notification deleted before dispatch.
func (s *memoryStore) DeleteNotification(id int64) {
	s.mu.Lock()
	delete(s.notifications, id)
	s.mu.Unlock()
}

func (s *memoryStore) PutUser(ctx context.Context, u notification.User) error {
	_ = ctx
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetUser(ctx context.Context, id int64) (notification.User, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *memoryStore) LinkExternal(ctx context.Context, userID, externalID int64) error {
	_ = ctx
	s.mu.Lock()
	s.external[userID] = externalID
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) ExternalID(ctx context.Context, userID int64) (int64, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.external[userID]
	return id, ok, nil
}

type claim struct {
	owner string
	until int64 // unix milli
}

func (s *memoryStore) AcquireClaim(ctx context.Context, key, owner string, until time.Time) (bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return true, nil
	}
	now := time.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.claims[key]; ok && cur.until >= now {
		return false, nil
	}
	s.claims[key] = claim{owner: owner, until: until.UnixMilli()}
	return true, nil
}

func (s *memoryStore) ReleaseClaim(ctx context.Context, key, owner string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	s.mu.Lock()
	if cur, ok := s.claims[key]; ok && cur.owner == owner {
		delete(s.claims, key)
	}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) PruneClaims(ctx context.Context, now time.Time) (int64, error) {
	_ = ctx
	cut := now.UnixMilli()
	var n int64
	s.mu.Lock()
	for k, v := range s.claims {
		if v.until < cut {
			delete(s.claims, k)
			n++
		}
	}
	s.mu.Unlock()
	return n, nil
}
