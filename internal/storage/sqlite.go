package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "notifyfwd/pkg/logx"

	"notifyfwd/internal/notification"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Durable() bool { return true }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateNotification(ctx context.Context, n *notification.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(user_id, title, body, severity, created_at, viewed) VALUES(?,?,?,?,?,0)`,
		n.Recipient.ID, n.Title, n.Body, string(n.Severity), n.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	n.ID = id
	n.Viewed = false
	return nil
}

func (s *sqliteStore) GetNotification(ctx context.Context, id int64) (notification.Notification, bool, error) {
	var (
		n         notification.Notification
		severity  string
		createdAt string
		username  sql.NullString
		superuser sql.NullBool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT n.id, n.user_id, u.username, u.is_superuser, n.title, n.body, n.severity, n.created_at, n.viewed
		 FROM notifications n LEFT JOIN users u ON u.id = n.user_id
		 WHERE n.id = ?`, id,
	).Scan(&n.ID, &n.Recipient.ID, &username, &superuser, &n.Title, &n.Body, &severity, &createdAt, &n.Viewed)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.Notification{}, false, nil
	}
	if err != nil {
		return notification.Notification{}, false, err
	}
	n.Recipient.Username = username.String
	n.Recipient.IsSuperuser = superuser.Bool
	n.Severity = notification.Severity(severity)
	if n.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return notification.Notification{}, false, fmt.Errorf("notification %d: bad created_at %q: %w", id, createdAt, err)
	}
	return n, true, nil
}

func (s *sqliteStore) MarkViewed(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET viewed = 1 WHERE id = ? AND viewed = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) PutUser(ctx context.Context, u notification.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, is_superuser) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET username=excluded.username, is_superuser=excluded.is_superuser`,
		u.ID, u.Username, u.IsSuperuser,
	)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (notification.User, bool, error) {
	var u notification.User
	err := s.db.QueryRowContext(ctx, `SELECT id, username, is_superuser FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.IsSuperuser)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.User{}, false, nil
	}
	if err != nil {
		return notification.User{}, false, err
	}
	return u, true, nil
}

func (s *sqliteStore) LinkExternal(ctx context.Context, userID, externalID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO external_identities(user_id, external_id) VALUES(?,?)
		 ON CONFLICT(user_id) DO UPDATE SET external_id=excluded.external_id`,
		userID, externalID,
	)
	return err
}

func (s *sqliteStore) ExternalID(ctx context.Context, userID int64) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT external_id FROM external_identities WHERE user_id = ?`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *sqliteStore) AcquireClaim(ctx context.Context, key, owner string, until time.Time) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return true, nil
	}
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO claims(key, owner, until) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET owner=excluded.owner, until=excluded.until WHERE claims.until < ?`,
		key, owner, until.UnixMilli(), now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if _, err := s.PruneClaims(pctx, time.Now()); err != nil {
			s.log.Debug("claim prune failed", logx.Err(err))
		}
		cancel()
	}
	return n > 0, nil
}

func (s *sqliteStore) ReleaseClaim(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE key = ? AND owner = ?`, strings.TrimSpace(key), owner)
	return err
}

func (s *sqliteStore) PruneClaims(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
