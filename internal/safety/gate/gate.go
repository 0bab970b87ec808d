package gate

import (
	"fmt"
	"math"

	"optguard/internal/config"
	"optguard/internal/decision"
	"optguard/internal/logger"
	"optguard/internal/pkg/circuit"
	"optguard/internal/safety/killswitch"
	"optguard/internal/strategy/exit"
)

// 机器可解析的原因标签，写入审计记录。
const (
	TagKillSwitch        = "HARD_RAIL_KILL_SWITCH"
	TagKillSwitchFlatten = "HARD_RAIL_KILL_SWITCH_FLATTEN"
	TagCircuitBreaker    = "HARD_RAIL_CIRCUIT_BREAKER"
	TagForceClose        = "HARD_RAIL_FORCE_CLOSE"
	TagStopLoss          = "HARD_RAIL_STOP_LOSS"
	TagPositionLimits    = "HARD_RAIL_POSITION_LIMITS"
	TagAccountRisk       = "HARD_RAIL_ACCOUNT_RISK"
	TagGreeks            = "HARD_RAIL_GREEKS"
	TagDualGate          = "BLOCKED_DUAL_GATE"
)

const (
	BehaviorHalt    = "halt"
	BehaviorFlatten = "flatten"
)

// HaltState 是闸门读取的急停开关视图。
type HaltState interface {
	State() killswitch.State
}

// BreakerState 是闸门读取的熔断器视图。
type BreakerState interface {
	Allow() bool
	Status() circuit.Status
}

type EntryThresholds struct {
	MaxSpreadBps    float64
	MinVolume       int64
	MinOpenInterest int64
	MinDelta        float64
	MaxDelta        float64
	MinTheta        float64
}

type Config struct {
	MinConfidence      float64
	KillSwitchBehavior string
	HaltDeferMinutes   int
	StopLossPct        float64
	Entry              EntryThresholds
}

func ConfigFrom(dec config.DecisionConfig, ex config.ExitConfig, en config.EntryConfig) Config {
	return Config{
		MinConfidence:      dec.MinConfidence,
		KillSwitchBehavior: dec.KillSwitchBehavior,
		HaltDeferMinutes:   dec.HaltDeferMinutes,
		StopLossPct:        ex.StopLossPct,
		Entry: EntryThresholds{
			MaxSpreadBps:    en.MaxSpreadBps,
			MinVolume:       en.MinVolume,
			MinOpenInterest: en.MinOpenInterest,
			MinDelta:        en.MinDelta,
			MaxDelta:        en.MaxDelta,
			MinTheta:        en.MinTheta,
		},
	}
}

// Verdict 是硬性护栏的判定；Blocked 为 true 时调用方必须直接返回，不再询问模型。
type Verdict struct {
	Blocked      bool
	Action       decision.Action
	Confidence   float64
	Tag          string
	Reason       string
	DeferMinutes *int
}

// Gate 组合急停开关、熔断器与客观触发条件。
type Gate struct {
	cfg     Config
	halt    HaltState
	breaker BreakerState
}

func New(cfg Config, halt HaltState, breaker BreakerState) *Gate {
	if cfg.KillSwitchBehavior == "" {
		cfg.KillSwitchBehavior = BehaviorHalt
	}
	return &Gate{cfg: cfg, halt: halt, breaker: breaker}
}

func (g *Gate) Config() Config { return g.cfg }

// ExitRailInput 是退出护栏所需的确定性输入。
type ExitRailInput struct {
	Signal         exit.Decision
	ForceClose     bool
	MinutesToClose *float64
}

// CheckExitRails 顺序固定：急停、熔断、强制平仓时间、已确认的止损。
func (g *Gate) CheckExitRails(in ExitRailInput) Verdict {
	if st := g.haltState(); st.Active {
		if g.cfg.KillSwitchBehavior == BehaviorFlatten {
			return Verdict{
				Blocked:    true,
				Action:     decision.ActionSell,
				Confidence: 1,
				Tag:        TagKillSwitchFlatten,
				Reason:     fmt.Sprintf("kill switch active (%s) - flattening positions", st.Reason),
			}
		}
		d := g.cfg.HaltDeferMinutes
		return Verdict{
			Blocked:      true,
			Action:       decision.ActionWait,
			Confidence:   1,
			Tag:          TagKillSwitch,
			Reason:       fmt.Sprintf("kill switch active (%s) - halting trading", st.Reason),
			DeferMinutes: &d,
		}
	}
	if g.breaker != nil && !g.breaker.Allow() {
		return Verdict{
			Blocked:    true,
			Action:     decision.ActionAbstain,
			Confidence: 1,
			Tag:        TagCircuitBreaker,
			Reason:     "circuit breaker open: " + g.breaker.Status().Reason,
		}
	}
	if in.ForceClose || (in.MinutesToClose != nil && *in.MinutesToClose <= 0) {
		reason := "force close requested"
		if !in.ForceClose {
			reason = fmt.Sprintf("market close reached (%.1f min to close)", *in.MinutesToClose)
		}
		return Verdict{Blocked: true, Action: decision.ActionSell, Confidence: 1, Tag: TagForceClose, Reason: reason}
	}
	if in.Signal.ShouldExit && in.Signal.Reason == exit.ReasonStopLoss {
		return Verdict{
			Blocked:    true,
			Action:     decision.ActionSell,
			Confidence: 1,
			Tag:        TagStopLoss,
			Reason:     fmt.Sprintf("stop loss confirmed at %.1f%% (<= -%.0f%%)", in.Signal.PnLPct, g.cfg.StopLossPct),
		}
	}
	return Verdict{}
}

// EntryRailInput 中的 nil 表示调用方未做该项检查。
type EntryRailInput struct {
	PositionLimitsOK *bool
	AccountRiskOK    *bool
	GreeksOK         *bool
}

func (g *Gate) CheckEntryRails(in EntryRailInput) Verdict {
	if st := g.haltState(); st.Active {
		return Verdict{
			Blocked:    true,
			Action:     decision.ActionAbstain,
			Confidence: 1,
			Tag:        TagKillSwitch,
			Reason:     fmt.Sprintf("kill switch active (%s) - no new entries", st.Reason),
		}
	}
	if g.breaker != nil && !g.breaker.Allow() {
		return Verdict{
			Blocked:    true,
			Action:     decision.ActionAbstain,
			Confidence: 1,
			Tag:        TagCircuitBreaker,
			Reason:     "circuit breaker open: " + g.breaker.Status().Reason,
		}
	}
	checks := []struct {
		ok     *bool
		tag    string
		reason string
	}{
		{in.PositionLimitsOK, TagPositionLimits, "position limits exceeded"},
		{in.AccountRiskOK, TagAccountRisk, "account risk limits exceeded"},
		{in.GreeksOK, TagGreeks, "greeks outside acceptable range"},
	}
	for _, c := range checks {
		if c.ok != nil && !*c.ok {
			return Verdict{Blocked: true, Action: decision.ActionReject, Confidence: 1, Tag: c.tag, Reason: c.reason}
		}
	}
	return Verdict{}
}

func (g *Gate) haltState() killswitch.State {
	if g.halt == nil {
		return killswitch.State{}
	}
	return g.halt.State()
}

// ObjectiveExitTrigger 只看确定性信号，与模型输出无关。
func (g *Gate) ObjectiveExitTrigger(sig exit.Decision) bool {
	switch sig.Reason {
	case exit.ReasonTrailingStop, exit.ReasonTimeBased, exit.ReasonStopLoss, exit.ReasonProfitTarget:
		return true
	}
	return g.cfg.StopLossPct > 0 && sig.PnLPct <= -g.cfg.StopLossPct
}

// Liquidity 是入场合约的流动性与希腊值快照；Delta/Theta 缺失时不检查。
type Liquidity struct {
	SpreadBps    float64  `json:"spread_bps"`
	Volume       int64    `json:"volume"`
	OpenInterest int64    `json:"open_interest"`
	Delta        *float64 `json:"delta,omitempty"`
	Theta        *float64 `json:"theta,omitempty"`
}

// ObjectiveEntryTrigger 返回是否满足入场阈值，不满足时附带第一条原因。
func (g *Gate) ObjectiveEntryTrigger(l Liquidity) (bool, string) {
	t := g.cfg.Entry
	if l.SpreadBps > t.MaxSpreadBps {
		return false, fmt.Sprintf("spread %.0fbps > %.0fbps", l.SpreadBps, t.MaxSpreadBps)
	}
	if l.Volume < t.MinVolume {
		return false, fmt.Sprintf("volume %d < %d", l.Volume, t.MinVolume)
	}
	if l.OpenInterest < t.MinOpenInterest {
		return false, fmt.Sprintf("open interest %d < %d", l.OpenInterest, t.MinOpenInterest)
	}
	if l.Delta != nil {
		d := math.Abs(*l.Delta)
		if d < t.MinDelta || d > t.MaxDelta {
			return false, fmt.Sprintf("|delta| %.2f outside [%.2f, %.2f]", d, t.MinDelta, t.MaxDelta)
		}
	}
	if l.Theta != nil && *l.Theta < t.MinTheta {
		return false, fmt.Sprintf("theta %.3f < %.3f", *l.Theta, t.MinTheta)
	}
	return true, ""
}

// DualGate 对动作做最终准入：可执行动作需要客观触发且置信度达标；任何动作置信度不足都不通过。
func (g *Gate) DualGate(action decision.Action, confidence float64, objective bool) (bool, string) {
	actionable := action == decision.ActionSell || action == decision.ActionApprove
	if actionable && !objective {
		logger.Warnf("[DUAL-GATE] objective rule not met for %s", action)
		return false, fmt.Sprintf("objective trigger not met for %s", action)
	}
	if confidence < g.cfg.MinConfidence {
		logger.Warnf("[DUAL-GATE] confidence %.2f < %.2f", confidence, g.cfg.MinConfidence)
		return false, fmt.Sprintf("confidence %.2f below minimum %.2f", confidence, g.cfg.MinConfidence)
	}
	return true, ""
}
