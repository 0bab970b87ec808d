package config

import (
	"strings"
	"time"
)

// Config 是 optguard 的主配置载体。
type Config struct {
	App            AppConfig            `toml:"app"`
	AI             AIConfig             `toml:"ai"`
	Decision       DecisionConfig       `toml:"decision"`
	Exit           ExitConfig           `toml:"exit"`
	Entry          EntryConfig          `toml:"entry"`
	RateLimit      RateLimitConfig      `toml:"rate_limit"`
	KillSwitch     KillSwitchConfig     `toml:"kill_switch"`
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
	Notify         NotifyConfig         `toml:"notify"`
	Store          StoreConfig          `toml:"store"`
	Monitor        MonitorConfig        `toml:"monitor"`
}

type AppConfig struct {
	Env          string `toml:"env"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
	HTTPAddr     string `toml:"http_addr"`
	AdminToken   string `toml:"admin_token"`
	LogPath      string `toml:"log_path"`
	AuditLogPath string `toml:"audit_log_path"`
	AuditDump    bool   `toml:"audit_dump"`
}

// AIConfig 描述参与投票的模型以及集成投票参数。
type AIConfig struct {
	ProviderPresets         map[string]ModelPreset `toml:"provider_presets"`
	Models                  []AIModelConfig        `toml:"models"`
	BackupModel             string                 `toml:"backup_model"`
	TimeoutSeconds          int                    `toml:"timeout_seconds"`
	DeadlineSeconds         int                    `toml:"deadline_seconds"`
	MaxRetries              int                    `toml:"max_retries"`
	RetryInitialMS          int                    `toml:"retry_initial_ms"`
	RetryMaxMS              int                    `toml:"retry_max_ms"`
	MinVoteConfidence       float64                `toml:"min_vote_confidence"`
	SingleVoteMinConfidence float64                `toml:"single_vote_min_confidence"`
	FastPath                FastPathConfig         `toml:"fast_path"`
	PromptsPath             string                 `toml:"prompts_path"`
}

// ModelPreset 描述可复用的 API 连接配置。
type ModelPreset struct {
	APIURL  string            `toml:"api_url"`
	APIKey  string            `toml:"api_key"`
	Headers map[string]string `toml:"headers"`
}

// AIModelConfig 代表一个参与投票（或作为备份）的模型条目。
type AIModelConfig struct {
	ID       string            `toml:"id"`
	Provider string            `toml:"provider"`
	Preset   string            `toml:"preset"`
	Enabled  bool              `toml:"enabled"`
	APIURL   string            `toml:"api_url"`
	APIKey   string            `toml:"api_key"`
	Model    string            `toml:"model"`
	Headers  map[string]string `toml:"headers"`
}

// ResolvedModelConfig 是合并预设后的最终模型配置。
type ResolvedModelConfig struct {
	ID       string
	Provider string
	Enabled  bool
	APIURL   string
	APIKey   string
	Model    string
	Headers  map[string]string
}

type FastPathConfig struct {
	Enabled              bool    `toml:"enabled"`
	MinConfidence        float64 `toml:"min_confidence"`
	BudgetSeconds        float64 `toml:"budget_seconds"`
	SecondaryWaitSeconds float64 `toml:"secondary_wait_seconds"`
}

// DecisionConfig 控制 dual gate 与 kill switch 行为。
type DecisionConfig struct {
	MinConfidence      float64 `toml:"min_confidence"`
	ExitBias           string  `toml:"exit_bias"`
	KillSwitchBehavior string  `toml:"kill_switch_behavior"` // halt | flatten
	HaltDeferMinutes   int     `toml:"halt_defer_minutes"`
}

type ExitConfig struct {
	TrailingStopEnabled        bool      `toml:"trailing_stop_enabled"`
	TrailingStopActivationPct  float64   `toml:"trailing_stop_activation_pct"`
	TrailingStopDistancePct    float64   `toml:"trailing_stop_distance_pct"`
	// TimeBasedExitEnabled 只影响 tracker 的收盘提示信号，收盘强平护栏始终生效。
	TimeBasedExitEnabled       bool      `toml:"time_based_exit_enabled"`
	MarketCloseTime            string    `toml:"market_close_time"`
	Timezone                   string    `toml:"timezone"`
	WarningMinutesBeforeClose  int       `toml:"warning_minutes_before_close"`
	CriticalMinutesBeforeClose int       `toml:"critical_minutes_before_close"`
	StopLossPct                float64   `toml:"stop_loss_pct"`
	StopLossGraceSeconds       int       `toml:"stop_loss_grace_seconds"`
	StopLossConfirmCycles      int       `toml:"stop_loss_confirm_cycles"`
	ProfitTargets              []float64 `toml:"profit_targets"`
}

// EntryConfig 为入场客观触发条件设定阈值。
type EntryConfig struct {
	MaxSpreadBps    float64 `toml:"max_spread_bps"`
	MinVolume       int64   `toml:"min_volume"`
	MinOpenInterest int64   `toml:"min_open_interest"`
	MinDelta        float64 `toml:"min_delta"`
	MaxDelta        float64 `toml:"max_delta"`
	MinTheta        float64 `toml:"min_theta"`
}

type RateLimitConfig struct {
	PerSymbolSeconds int `toml:"per_symbol_seconds"`
	MaxCallsPerCycle int `toml:"max_calls_per_cycle"`
}

type KillSwitchConfig struct {
	Path           string `toml:"path"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
	Watch          bool   `toml:"watch"`
}

type CircuitBreakerConfig struct {
	MaxConsecutiveLosses int     `toml:"max_consecutive_losses"`
	MaxDailyLossUSD      float64 `toml:"max_daily_loss_usd"`
	CooldownMinutes      int     `toml:"cooldown_minutes"`
}

type NotifyConfig struct {
	Telegram  TelegramConfig `toml:"telegram"`
	Slack     SlackConfig    `toml:"slack"`
	Workers   int            `toml:"workers"`
	QueueSize int            `toml:"queue_size"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type SlackConfig struct {
	Enabled    bool   `toml:"enabled"`
	WebhookURL string `toml:"webhook_url"`
}

type StoreConfig struct {
	DecisionDBPath string `toml:"decision_db_path"`
	HaltDBPath     string `toml:"halt_db_path"`
}

type MonitorConfig struct {
	IntervalSeconds    int `toml:"interval_seconds"`
	FillTimeoutSeconds int `toml:"fill_timeout_seconds"`
}

// ResolveModelConfigs 合并预设并返回全部模型条目（含备份模型）。
func (a AIConfig) ResolveModelConfigs() []ResolvedModelConfig {
	out := make([]ResolvedModelConfig, 0, len(a.Models))
	for _, m := range a.Models {
		r := ResolvedModelConfig{
			ID:       strings.TrimSpace(m.ID),
			Provider: strings.ToLower(strings.TrimSpace(m.Provider)),
			Enabled:  m.Enabled,
			APIURL:   strings.TrimSpace(m.APIURL),
			APIKey:   strings.TrimSpace(m.APIKey),
			Model:    strings.TrimSpace(m.Model),
			Headers:  map[string]string{},
		}
		if preset, ok := a.ProviderPresets[strings.TrimSpace(m.Preset)]; ok {
			if r.APIURL == "" {
				r.APIURL = strings.TrimSpace(preset.APIURL)
			}
			if r.APIKey == "" {
				r.APIKey = strings.TrimSpace(preset.APIKey)
			}
			for k, v := range preset.Headers {
				r.Headers[k] = v
			}
		}
		for k, v := range m.Headers {
			r.Headers[k] = v
		}
		if r.ID == "" {
			r.ID = r.Model
		}
		if r.Provider == "" {
			r.Provider = "openai"
		}
		out = append(out, r)
	}
	return out
}

func (a AIConfig) CallTimeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (a AIConfig) Deadline() time.Duration {
	return time.Duration(a.DeadlineSeconds) * time.Second
}

func (f FastPathConfig) Budget() time.Duration {
	return time.Duration(f.BudgetSeconds * float64(time.Second))
}

func (f FastPathConfig) SecondaryWait() time.Duration {
	return time.Duration(f.SecondaryWaitSeconds * float64(time.Second))
}

func (r RateLimitConfig) Cooldown() time.Duration {
	return time.Duration(r.PerSymbolSeconds) * time.Second
}

func (k KillSwitchConfig) PollInterval() time.Duration {
	return time.Duration(k.PollIntervalMS) * time.Millisecond
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
