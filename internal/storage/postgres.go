package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"notifyfwd/internal/notification"
	logx "notifyfwd/pkg/logx"
)

// postgresStore is used when the notifications live in the main application
// database.
type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	// No arguments: pgx uses the simple protocol, which accepts multiple statements.
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *postgresStore) Durable() bool { return true }

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) CreateNotification(ctx context.Context, n *notification.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO notifications(user_id, title, body, severity, created_at, viewed)
		 VALUES($1,$2,$3,$4,$5,FALSE) RETURNING id`,
		n.Recipient.ID, n.Title, n.Body, string(n.Severity), n.CreatedAt,
	).Scan(&n.ID)
	if err != nil {
		return err
	}
	n.Viewed = false
	return nil
}

func (s *postgresStore) GetNotification(ctx context.Context, id int64) (notification.Notification, bool, error) {
	var (
		n         notification.Notification
		severity  string
		username  *string
		superuser *bool
	)
	err := s.pool.QueryRow(ctx,
		`SELECT n.id, n.user_id, u.username, u.is_superuser, n.title, n.body, n.severity, n.created_at, n.viewed
		 FROM notifications n LEFT JOIN users u ON u.id = n.user_id
		 WHERE n.id = $1`, id,
	).Scan(&n.ID, &n.Recipient.ID, &username, &superuser, &n.Title, &n.Body, &severity, &n.CreatedAt, &n.Viewed)
	if errors.Is(err, pgx.ErrNoRows) {
		return notification.Notification{}, false, nil
	}
	if err != nil {
		return notification.Notification{}, false, err
	}
	if username != nil {
		n.Recipient.Username = *username
	}
	if superuser != nil {
		n.Recipient.IsSuperuser = *superuser
	}
	n.Severity = notification.Severity(severity)
	return n, true, nil
}

func (s *postgresStore) MarkViewed(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET viewed = TRUE WHERE id = $1 AND viewed = FALSE`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) PutUser(ctx context.Context, u notification.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users(id, username, is_superuser) VALUES($1,$2,$3)
		 ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, is_superuser = EXCLUDED.is_superuser`,
		u.ID, u.Username, u.IsSuperuser,
	)
	return err
}

func (s *postgresStore) GetUser(ctx context.Context, id int64) (notification.User, bool, error) {
	var u notification.User
	err := s.pool.QueryRow(ctx, `SELECT id, username, is_superuser FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.IsSuperuser)
	if errors.Is(err, pgx.ErrNoRows) {
		return notification.User{}, false, nil
	}
	if err != nil {
		return notification.User{}, false, err
	}
	return u, true, nil
}

func (s *postgresStore) LinkExternal(ctx context.Context, userID, externalID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO external_identities(user_id, external_id) VALUES($1,$2)
		 ON CONFLICT (user_id) DO UPDATE SET external_id = EXCLUDED.external_id`,
		userID, externalID,
	)
	return err
}

func (s *postgresStore) ExternalID(ctx context.Context, userID int64) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT external_id FROM external_identities WHERE user_id = $1`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *postgresStore) AcquireClaim(ctx context.Context, key, owner string, until time.Time) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return true, nil
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO claims(key, owner, until) VALUES($1,$2,$3)
		 ON CONFLICT (key) DO UPDATE SET owner = EXCLUDED.owner, until = EXCLUDED.until WHERE claims.until < $4`,
		key, owner, until.UnixMilli(), time.Now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) ReleaseClaim(ctx context.Context, key, owner string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM claims WHERE key = $1 AND owner = $2`, strings.TrimSpace(key), owner)
	return err
}

func (s *postgresStore) PruneClaims(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM claims WHERE until < $1`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
