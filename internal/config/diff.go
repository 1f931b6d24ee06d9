package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifyfwd/pkg/logx"
)

// reloadable lists sections applied live; the rest need a restart.
var reloadable = map[string]bool{
	"logging": true,
	"forward": true,
	"site":    true,
	"relay":   true,
}

// Reloadable reports whether a changed section takes effect without restart.
func Reloadable(section string) bool { return reloadable[section] }

// SummarizeChange returns the changed sections (sorted) and safe structured
// attrs for logging. Secrets (storage dsn, admin token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Forward != newCfg.Forward {
		changed = append(changed, "forward")
		attrs = append(attrs,
			logx.Bool("forward.enabled", newCfg.Forward.Enabled),
			logx.Bool("forward.superuser_only", newCfg.Forward.SuperuserOnly),
			logx.Bool("forward.mark_viewed", newCfg.Forward.MarkViewed),
		)
	}

	if oldCfg.Site != newCfg.Site {
		changed = append(changed, "site")
		attrs = append(attrs,
			logx.String("site.name", newCfg.Site.Name),
			logx.String("site.base_url", strings.TrimSpace(newCfg.Site.BaseURL)),
		)
	}

	if oldCfg.Relay != newCfg.Relay {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.String("relay.host", strings.TrimSpace(newCfg.Relay.Host)),
			logx.Int("relay.port", newCfg.Relay.Port),
			logx.String("relay.timeout", strings.TrimSpace(newCfg.Relay.Timeout)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
			logx.String("task_engine.claims.driver", nTE.Claims.Driver),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
		attrs = append(attrs, logx.Bool("events.nats.enabled", newCfg.Events.NATS.Enabled))
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs, logx.String("maintenance.prune_claims", newCfg.Maintenance.PruneClaims))
	}

	oA, nA := oldCfg.Admin, newCfg.Admin
	oA.Token, nA.Token = tokenMark(oA.Token), tokenMark(nA.Token)
	if oA != nA {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func tokenMark(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
