package storage

import (
	"context"
	"embed"
	"errors"
	"time"

	"notifyfwd/internal/notification"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, demos; nothing survives a restart)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable via DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the notification service, the
// forwarding pipeline and the task engine's claim hook.
type Store interface {
	// Notifications.
	CreateNotification(ctx context.Context, n *notification.Notification) error
	GetNotification(ctx context.Context, id int64) (notification.Notification, bool, error)
	MarkViewed(ctx context.Context, id int64) (changed bool, err error)

	// Directory.
	PutUser(ctx context.Context, u notification.User) error
	GetUser(ctx context.Context, id int64) (notification.User, bool, error)
	LinkExternal(ctx context.Context, userID, externalID int64) error
	ExternalID(ctx context.Context, userID int64) (externalID int64, ok bool, err error)

	// Claims. AcquireClaim succeeds when key is absent or its previous claim
	// has expired. ReleaseClaim only deletes a claim still held by owner.
	AcquireClaim(ctx context.Context, key, owner string, until time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, key, owner string) error
	PruneClaims(ctx context.Context, now time.Time) (int64, error)

	// Durable reports whether claims survive a process restart.
	Durable() bool
	Close() error
}
