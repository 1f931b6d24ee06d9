package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"notifyfwd/internal/notification"
	"notifyfwd/internal/task/engine"
	"notifyfwd/internal/task/maintenance"
	logx "notifyfwd/pkg/logx"
)

const (
	TestTitle = "Test notification"
	TestBody  = "This is a test notification to check that forwarding works."
)

type EngineSnapshotter interface {
	Snapshot() engine.Snapshot
}

type JobLister interface {
	Entries() []maintenance.Entry
}

type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (notification.User, bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, user notification.User, title, body string, sev notification.Severity) (notification.Notification, error)
}

// Deps are the read models and actions exposed over HTTP. Nil members
// disable their routes.
type Deps struct {
	Engine  EngineSnapshotter
	Jobs    JobLister
	Users   UserDirectory
	Notify  Notifier
	Metrics http.Handler
	// Instrument wraps the router, typically with metrics middleware.
	Instrument func(http.Handler) http.Handler
	// Health reports readiness; nil means always healthy.
	Health func(ctx context.Context) error
}

// Handler builds the router for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	d := s.deps
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if d.Instrument != nil {
		r.Use(d.Instrument)
	}
	r.Use(withAuth(cfg.Token))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if d.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.Health(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	if d.Engine != nil {
		r.Get("/v1/engine", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, d.Engine.Snapshot())
		})
	}
	if d.Jobs != nil {
		r.Get("/v1/maintenance", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, d.Jobs.Entries())
		})
	}
	if d.Users != nil && d.Notify != nil {
		r.Post("/v1/users/{id}/test-notification", s.sendTestNotification)
	}
	if cfg.Pprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Get("/", hpprof.Index)
			r.Get("/cmdline", hpprof.Cmdline)
			r.Get("/profile", hpprof.Profile)
			r.Get("/symbol", hpprof.Symbol)
			r.Post("/symbol", hpprof.Symbol)
			r.Get("/trace", hpprof.Trace)
			r.Get("/{name}", func(w http.ResponseWriter, r *http.Request) {
				hpprof.Handler(chi.URLParam(r, "name")).ServeHTTP(w, r)
			})
		})
	}
	return r
}

func (s *Service) sendTestNotification(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid user id"))
		return
	}
	u, ok, err := s.deps.Users.GetUser(r.Context(), id)
	if err != nil {
		s.log.Error("test notification: user lookup failed", logx.Int64("user_id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("user not found"))
		return
	}
	n, err := s.deps.Notify.Notify(r.Context(), u, TestTitle, TestBody, notification.SeverityInfo)
	if err != nil {
		s.log.Error("test notification: create failed", logx.Int64("user_id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("test notification created", logx.Int64("user_id", id), logx.Int64("notification_id", n.ID))
	writeJSON(w, http.StatusCreated, map[string]int64{"id": n.ID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
// An empty token disables the check.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
