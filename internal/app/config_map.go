package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"notifyfwd/internal/admin"
	"notifyfwd/internal/config"
	"notifyfwd/internal/events/natsbridge"
	"notifyfwd/internal/forward"
	"notifyfwd/internal/relay"
	"notifyfwd/internal/storage"
	"notifyfwd/internal/task/claims"
	"notifyfwd/internal/task/engine"
	"notifyfwd/internal/task/maintenance"
	logx "notifyfwd/pkg/logx"
)

const (
	defaultSiteName    = "Alliance Auth"
	defaultPruneClaims = "@every 10m"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapForwardConfig(cfg *config.Config) (forward.Config, error) {
	base := strings.TrimSpace(cfg.Site.BaseURL)
	if base != "" {
		if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
			return forward.Config{}, fmt.Errorf("site.base_url: invalid absolute url %q", base)
		}
	}
	static := strings.TrimSpace(cfg.Site.StaticURL)
	if static != "" {
		if _, err := url.Parse(static); err != nil {
			return forward.Config{}, fmt.Errorf("site.static_url: %w", err)
		}
	}
	name := strings.TrimSpace(cfg.Site.Name)
	if name == "" {
		name = defaultSiteName
	}
	return forward.Config{
		Enabled:       cfg.Forward.Enabled,
		SuperuserOnly: cfg.Forward.SuperuserOnly,
		MarkViewed:    cfg.Forward.MarkViewed,
		SiteName:      name,
		BaseURL:       base,
		StaticURL:     static,
	}, nil
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	rc := cfg.Relay
	if rc.Port < 0 || rc.Port > 65535 {
		return relay.Config{}, fmt.Errorf("relay.port out of range: %d", rc.Port)
	}
	if rc.RatePerSec < 0 {
		return relay.Config{}, fmt.Errorf("relay.rate_per_sec must be >= 0")
	}
	if m := strings.TrimSpace(rc.Method); m != "" && !strings.HasPrefix(m, "/") {
		return relay.Config{}, fmt.Errorf("relay.method must look like /package.Service/Method, got %q", m)
	}
	timeout, err := config.DurationOr("relay.timeout", rc.Timeout, relay.DefaultTimeout)
	if err != nil {
		return relay.Config{}, err
	}
	return relay.Config{
		Host:       strings.TrimSpace(rc.Host),
		Port:       rc.Port,
		Method:     strings.TrimSpace(rc.Method),
		Timeout:    timeout,
		RatePerSec: rc.RatePerSec,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := config.TaskEngineConfig{}
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	if te.Workers < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	}
	if te.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	}
	if te.RetryMax < -1 {
		return engine.Config{}, fmt.Errorf("task_engine.retry_max must be >= -1")
	}

	enabled := true
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	defTimeout, err := config.ParseDuration("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDuration("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	ttl, err := config.ParseDuration("task_engine.claims.ttl", te.Claims.TTL)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        enabled,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
		ClaimTTL:       ttl,
	}, nil
}

func mapClaimsConfig(cfg *config.Config) (claims.Config, error) {
	var cc config.ClaimsConfig
	if cfg.TaskEngine != nil {
		cc = cfg.TaskEngine.Claims
	}
	driver := strings.ToLower(strings.TrimSpace(cc.Driver))
	switch driver {
	case "", "none", "storage":
	case "redis":
		if strings.TrimSpace(cc.RedisAddr) == "" {
			return claims.Config{}, fmt.Errorf("task_engine.claims.redis_addr is required when driver=redis")
		}
	default:
		return claims.Config{}, fmt.Errorf("unknown task_engine.claims.driver: %s", cc.Driver)
	}
	return claims.Config{Driver: driver, RedisAddr: strings.TrimSpace(cc.RedisAddr)}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNATSConfig(cfg *config.Config) natsbridge.Config {
	n := cfg.Events.NATS
	return natsbridge.Config{
		Enabled: n.Enabled,
		URL:     strings.TrimSpace(n.URL),
		Subject: strings.TrimSpace(n.Subject),
	}
}

func mapMaintenanceConfig(cfg *config.Config) maintenance.Config {
	spec := strings.TrimSpace(cfg.Maintenance.PruneClaims)
	switch {
	case spec == "":
		spec = defaultPruneClaims
	case strings.EqualFold(spec, "off"):
		spec = ""
	}
	return maintenance.Config{PruneClaims: spec, Timezone: strings.TrimSpace(cfg.Maintenance.Timezone)}
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	read, err := config.DurationOr("admin.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	// 0 keeps pprof's /profile (30s+) working.
	write, err := config.ParseDuration("admin.write_timeout", ac.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	idle, err := config.DurationOr("admin.idle_timeout", ac.IdleTimeout, time.Minute)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// validate runs every mapper so that a bad file is rejected as a whole,
// both at startup and on hot reload.
func validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapForwardConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRelayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapClaimsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	if err := maintenance.New(maintenance.Config{}, nil, nil, logx.Nop()).Validate(mapMaintenanceConfig(cfg)); err != nil {
		return err
	}
	return nil
}
