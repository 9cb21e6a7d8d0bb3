package config

import (
	"reflect"
	"sort"
	"strings"

	logx "userscriptd/pkg/logx"
)

// SummarizeConfigChange returns the list of changed top-level sections and
// safe structured attrs for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
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
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if storageDriver(oldCfg) != storageDriver(newCfg) || !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", storageDriver(newCfg)))
	}

	if !reflect.DeepEqual(oldCfg.Patterns, newCfg.Patterns) {
		changed = append(changed, "patterns")
		attrs = append(attrs, logx.Int("patterns.cache_size", newCfg.Patterns.CacheSize))
	}
	if !reflect.DeepEqual(oldCfg.Validator, newCfg.Validator) {
		changed = append(changed, "validator")
	}
	if !reflect.DeepEqual(oldCfg.Execution, newCfg.Execution) {
		changed = append(changed, "execution")
		attrs = append(attrs, logx.Int("execution.history_size", newCfg.Execution.HistorySize))
	}
	if !reflect.DeepEqual(oldCfg.Governor, newCfg.Governor) {
		changed = append(changed, "governor")
		attrs = append(attrs,
			logx.String("governor.max_execution_time", strings.TrimSpace(newCfg.Governor.MaxExecutionTime)),
			logx.Int("governor.max_executions_per_hour", newCfg.Governor.MaxExecutionsPerHour),
		)
	}
	if !reflect.DeepEqual(oldCfg.Recovery, newCfg.Recovery) {
		changed = append(changed, "recovery")
		attrs = append(attrs, logx.Int("recovery.policy_overrides", len(newCfg.Recovery.Policies)))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Host, newCfg.Host) {
		changed = append(changed, "host")
		attrs = append(attrs, logx.Int("host.pool_size", newCfg.Host.PoolSize))
	}

	od, nd := oldCfg.Debug, newCfg.Debug
	tokenChanged := (strings.TrimSpace(od.Token) != "") != (strings.TrimSpace(nd.Token) != "")
	od.Token, nd.Token = "", ""
	if tokenChanged || od != nd {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func storageDriver(cfg *Config) string {
	if cfg.Storage == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
}
