package config

import (
	"fmt"
	"strings"
	"time"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	switch strings.ToLower(strings.TrimSpace(c.App.LogFormat)) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", c.App.LogFormat)
	}
	if err := c.AI.validate(); err != nil {
		return err
	}
	if err := c.Decision.validate(); err != nil {
		return err
	}
	if err := c.Exit.validate(); err != nil {
		return err
	}
	if err := c.Entry.validate(); err != nil {
		return err
	}
	if err := c.RateLimit.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.KillSwitch.Path) == "" {
		return fmt.Errorf("kill_switch.path cannot be empty")
	}
	return nil
}

func (a *AIConfig) validate() error {
	models := a.ResolveModelConfigs()
	if len(models) == 0 {
		return fmt.Errorf("ai.models requires at least one model")
	}
	seen := make(map[string]bool, len(models))
	enabled := 0
	for _, m := range models {
		if m.ID == "" {
			return fmt.Errorf("ai.models contains entry without id or model")
		}
		if seen[m.ID] {
			return fmt.Errorf("ai.models contains duplicate id: %s", m.ID)
		}
		seen[m.ID] = true
		if m.Model == "" {
			return fmt.Errorf("ai.models contains entry without model (id=%s)", m.ID)
		}
		if m.APIURL == "" {
			return fmt.Errorf("ai.models.%s missing api_url (can inherit from preset)", m.ID)
		}
		if m.Provider != "openai" {
			return fmt.Errorf("ai.models.%s unsupported provider %q", m.ID, m.Provider)
		}
		if m.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("ai.models requires at least one enabled model")
	}
	if a.BackupModel != "" && !seen[a.BackupModel] {
		return fmt.Errorf("ai.backup_model references unconfigured model id: %s", a.BackupModel)
	}
	if a.CallTimeout() > a.Deadline() {
		return fmt.Errorf("ai.timeout_seconds (%d) must not exceed ai.deadline_seconds (%d)", a.TimeoutSeconds, a.DeadlineSeconds)
	}
	if a.RetryInitialMS > a.RetryMaxMS {
		return fmt.Errorf("ai.retry_initial_ms must be <= ai.retry_max_ms")
	}
	if err := checkUnit("ai.min_vote_confidence", a.MinVoteConfidence); err != nil {
		return err
	}
	if err := checkUnit("ai.single_vote_min_confidence", a.SingleVoteMinConfidence); err != nil {
		return err
	}
	if a.SingleVoteMinConfidence < a.MinVoteConfidence {
		return fmt.Errorf("ai.single_vote_min_confidence must be >= ai.min_vote_confidence")
	}
	if a.FastPath.Enabled {
		if err := checkUnit("ai.fast_path.min_confidence", a.FastPath.MinConfidence); err != nil {
			return err
		}
		if a.FastPath.MinConfidence < a.SingleVoteMinConfidence {
			return fmt.Errorf("ai.fast_path.min_confidence must be >= ai.single_vote_min_confidence")
		}
		if a.FastPath.Budget() > a.Deadline() {
			return fmt.Errorf("ai.fast_path.budget_seconds must not exceed ai.deadline_seconds")
		}
	}
	return nil
}

func (d *DecisionConfig) validate() error {
	if err := checkUnit("decision.min_confidence", d.MinConfidence); err != nil {
		return err
	}
	switch d.KillSwitchBehavior {
	case "halt", "flatten":
	default:
		return fmt.Errorf("decision.kill_switch_behavior must be halt or flatten, got %s", d.KillSwitchBehavior)
	}
	switch d.ExitBias {
	case "conservative", "balanced", "aggressive":
	default:
		return fmt.Errorf("decision.exit_bias must be conservative, balanced or aggressive, got %s", d.ExitBias)
	}
	return nil
}

func (e *ExitConfig) validate() error {
	if _, err := ParseClock(e.MarketCloseTime); err != nil {
		return fmt.Errorf("exit.market_close_time: %w", err)
	}
	if _, err := time.LoadLocation(e.Timezone); err != nil {
		return fmt.Errorf("exit.timezone: %w", err)
	}
	if e.TrailingStopDistancePct >= e.TrailingStopActivationPct {
		return fmt.Errorf("exit.trailing_stop_distance_pct must be < exit.trailing_stop_activation_pct")
	}
	if e.CriticalMinutesBeforeClose > e.WarningMinutesBeforeClose {
		return fmt.Errorf("exit.critical_minutes_before_close must be <= exit.warning_minutes_before_close")
	}
	for _, t := range e.ProfitTargets {
		if t <= 0 {
			return fmt.Errorf("exit.profit_targets must be positive, got %v", t)
		}
	}
	return nil
}

func (e *EntryConfig) validate() error {
	if e.MinDelta > e.MaxDelta {
		return fmt.Errorf("entry.min_delta must be <= entry.max_delta")
	}
	return nil
}

func (r *RateLimitConfig) validate() error {
	if r.MaxCallsPerCycle <= 0 {
		return fmt.Errorf("rate_limit.max_calls_per_cycle must be > 0")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	if n.Slack.Enabled && strings.TrimSpace(n.Slack.WebhookURL) == "" {
		return fmt.Errorf("slack notification enabled but missing webhook_url")
	}
	return nil
}

func checkUnit(key string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be in [0,1], got %v", key, v)
	}
	return nil
}

// ParseClock 解析 "HH:MM" 格式的时间，返回当日偏移。
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q, expected HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
