package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppLogFormat       = "text"
	defaultAppHTTPAddr        = "127.0.0.1:9991"
	defaultAppLogPath         = "/data/logs/optguard.log"
	defaultAppAuditLogPath    = "/data/logs/optguard-providers.log"
	defaultAITimeoutSeconds   = 20
	defaultAIDeadlineSeconds  = 45
	defaultAIMaxRetries       = 2
	defaultAIRetryInitialMS   = 500
	defaultAIRetryMaxMS       = 4000
	defaultAIMinVoteConf      = 0.3
	defaultAISingleVoteConf   = 0.75
	defaultFastPathConfidence = 0.85
	defaultFastPathBudget     = 5
	defaultFastPathSecondary  = 3
	defaultDecisionMinConf    = 0.60
	defaultDecisionExitBias   = "conservative"
	defaultKillSwitchBehavior = "halt"
	defaultHaltDeferMinutes   = 60
	defaultTrailingActivation = 10.0
	defaultTrailingDistance   = 5.0
	defaultMarketClose        = "15:45"
	defaultTimezone           = "America/New_York"
	defaultWarningMinutes     = 15
	defaultCriticalMinutes    = 5
	defaultStopLossPct        = 25.0
	defaultStopLossGrace      = 120
	defaultStopLossConfirm    = 2
	defaultEntryMaxSpreadBps  = 500
	defaultEntryMinVolume     = 100
	defaultEntryMinOI         = 50
	defaultEntryMinDelta      = 0.3
	defaultEntryMaxDelta      = 0.7
	defaultEntryMinTheta      = -0.10
	defaultRateLimitSeconds   = 30
	defaultRateLimitPerCycle  = 4
	defaultKillSwitchPath     = "/data/live/EMERGENCY_STOP.txt"
	defaultKillSwitchPollMS   = 1000
	defaultBreakerLosses      = 3
	defaultBreakerDailyLoss   = 500.0
	defaultBreakerCooldown    = 60
	defaultNotifyWorkers      = 2
	defaultNotifyQueue        = 64
	defaultDecisionDBPath     = "/data/live/decisions.db"
	defaultHaltDBPath         = "/data/live/halt_events.db"
	defaultMonitorInterval    = 60
	defaultMonitorFillTimeout = 30
)

var defaultProfitTargets = []float64{15, 25, 35}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.AI.applyDefaults(keys)
	c.Decision.applyDefaults(keys)
	c.Exit.applyDefaults(keys)
	c.Entry.applyDefaults(keys)
	c.RateLimit.applyDefaults(keys)
	c.KillSwitch.applyDefaults(keys)
	c.CircuitBreaker.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Monitor.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.audit_log_path", &a.AuditLogPath, defaultAppAuditLogPath),
	)
}

func (a *AIConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	if a.ProviderPresets == nil {
		a.ProviderPresets = make(map[string]ModelPreset)
	}
	applyFieldDefaults(keys,
		intFieldDefault("ai.timeout_seconds", &a.TimeoutSeconds, defaultAITimeoutSeconds),
		intFieldDefault("ai.deadline_seconds", &a.DeadlineSeconds, defaultAIDeadlineSeconds),
		intFieldDefault("ai.retry_initial_ms", &a.RetryInitialMS, defaultAIRetryInitialMS),
		intFieldDefault("ai.retry_max_ms", &a.RetryMaxMS, defaultAIRetryMaxMS),
		floatFieldDefault("ai.min_vote_confidence", &a.MinVoteConfidence, defaultAIMinVoteConf),
		floatFieldDefault("ai.single_vote_min_confidence", &a.SingleVoteMinConfidence, defaultAISingleVoteConf),
	)
	// 显式 0 表示不重试
	if !keys.isSet("ai.max_retries") {
		a.MaxRetries = defaultAIMaxRetries
	}
	if a.MaxRetries < 0 {
		a.MaxRetries = 0
	}
	a.BackupModel = strings.TrimSpace(a.BackupModel)
	a.FastPath.applyDefaults(keys)
}

func (f *FastPathConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("ai.fast_path.enabled", &f.Enabled, true),
		floatFieldDefault("ai.fast_path.min_confidence", &f.MinConfidence, defaultFastPathConfidence),
		floatFieldDefault("ai.fast_path.budget_seconds", &f.BudgetSeconds, defaultFastPathBudget),
		floatFieldDefault("ai.fast_path.secondary_wait_seconds", &f.SecondaryWaitSeconds, defaultFastPathSecondary),
	)
}

func (d *DecisionConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("decision.min_confidence", &d.MinConfidence, defaultDecisionMinConf),
		stringFieldDefault("decision.exit_bias", &d.ExitBias, defaultDecisionExitBias),
		stringFieldDefault("decision.kill_switch_behavior", &d.KillSwitchBehavior, defaultKillSwitchBehavior),
		intFieldDefault("decision.halt_defer_minutes", &d.HaltDeferMinutes, defaultHaltDeferMinutes),
	)
	d.ExitBias = strings.ToLower(strings.TrimSpace(d.ExitBias))
	d.KillSwitchBehavior = strings.ToLower(strings.TrimSpace(d.KillSwitchBehavior))
}

func (e *ExitConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("exit.trailing_stop_enabled", &e.TrailingStopEnabled, true),
		floatFieldDefault("exit.trailing_stop_activation_pct", &e.TrailingStopActivationPct, defaultTrailingActivation),
		floatFieldDefault("exit.trailing_stop_distance_pct", &e.TrailingStopDistancePct, defaultTrailingDistance),
		boolFieldDefault("exit.time_based_exit_enabled", &e.TimeBasedExitEnabled, true),
		stringFieldDefault("exit.market_close_time", &e.MarketCloseTime, defaultMarketClose),
		stringFieldDefault("exit.timezone", &e.Timezone, defaultTimezone),
		intFieldDefault("exit.warning_minutes_before_close", &e.WarningMinutesBeforeClose, defaultWarningMinutes),
		intFieldDefault("exit.critical_minutes_before_close", &e.CriticalMinutesBeforeClose, defaultCriticalMinutes),
		floatFieldDefault("exit.stop_loss_pct", &e.StopLossPct, defaultStopLossPct),
		intFieldDefault("exit.stop_loss_grace_seconds", &e.StopLossGraceSeconds, defaultStopLossGrace),
		intFieldDefault("exit.stop_loss_confirm_cycles", &e.StopLossConfirmCycles, defaultStopLossConfirm),
		fieldDefault{
			key:   "exit.profit_targets",
			need:  func() bool { return len(e.ProfitTargets) == 0 },
			apply: func() { e.ProfitTargets = append([]float64(nil), defaultProfitTargets...) },
		},
	)
}

func (e *EntryConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("entry.max_spread_bps", &e.MaxSpreadBps, defaultEntryMaxSpreadBps),
		fieldDefault{
			key:   "entry.min_volume",
			need:  func() bool { return e.MinVolume <= 0 },
			apply: func() { e.MinVolume = defaultEntryMinVolume },
		},
		fieldDefault{
			key:   "entry.min_open_interest",
			need:  func() bool { return e.MinOpenInterest <= 0 },
			apply: func() { e.MinOpenInterest = defaultEntryMinOI },
		},
		floatFieldDefault("entry.min_delta", &e.MinDelta, defaultEntryMinDelta),
		floatFieldDefault("entry.max_delta", &e.MaxDelta, defaultEntryMaxDelta),
		fieldDefault{
			key:   "entry.min_theta",
			need:  func() bool { return e.MinTheta == 0 },
			apply: func() { e.MinTheta = defaultEntryMinTheta },
		},
	)
}

func (r *RateLimitConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("rate_limit.per_symbol_seconds", &r.PerSymbolSeconds, defaultRateLimitSeconds),
		intFieldDefault("rate_limit.max_calls_per_cycle", &r.MaxCallsPerCycle, defaultRateLimitPerCycle),
	)
}

func (k *KillSwitchConfig) applyDefaults(keys keySet) {
	if k == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("kill_switch.path", &k.Path, defaultKillSwitchPath),
		intFieldDefault("kill_switch.poll_interval_ms", &k.PollIntervalMS, defaultKillSwitchPollMS),
		boolFieldDefault("kill_switch.watch", &k.Watch, true),
	)
}

func (c *CircuitBreakerConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("circuit_breaker.max_consecutive_losses", &c.MaxConsecutiveLosses, defaultBreakerLosses),
		floatFieldDefault("circuit_breaker.max_daily_loss_usd", &c.MaxDailyLossUSD, defaultBreakerDailyLoss),
		intFieldDefault("circuit_breaker.cooldown_minutes", &c.CooldownMinutes, defaultBreakerCooldown),
	)
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	if n == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("notify.workers", &n.Workers, defaultNotifyWorkers),
		intFieldDefault("notify.queue_size", &n.QueueSize, defaultNotifyQueue),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.decision_db_path", &s.DecisionDBPath, defaultDecisionDBPath),
		stringFieldDefault("store.halt_db_path", &s.HaltDBPath, defaultHaltDBPath),
	)
}

func (m *MonitorConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("monitor.interval_seconds", &m.IntervalSeconds, defaultMonitorInterval),
		intFieldDefault("monitor.fill_timeout_seconds", &m.FillTimeoutSeconds, defaultMonitorFillTimeout),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
