// Package exit 维护每笔期权持仓的峰值、移动止损与止损去抖状态，并给出退出信号。
package exit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"optguard/internal/config"
	"optguard/internal/logger"

	"github.com/shopspring/decimal"
)

// Config 是 Tracker 使用的已解析参数。
type Config struct {
	TrailingEnabled       bool
	ActivationPct         float64
	DistancePct           float64
	TimeExitEnabled       bool
	MarketClose           time.Duration // 当日偏移，例如 15h45m
	Location              *time.Location
	WarningWindow         time.Duration
	CriticalWindow        time.Duration
	StopLossPct           float64
	StopLossGrace         time.Duration
	StopLossConfirmCycles int
	ProfitTargets         []float64
}

func DefaultConfig() Config {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return Config{
		TrailingEnabled:       true,
		ActivationPct:         10,
		DistancePct:           5,
		TimeExitEnabled:       true,
		MarketClose:           15*time.Hour + 45*time.Minute,
		Location:              loc,
		WarningWindow:         15 * time.Minute,
		CriticalWindow:        5 * time.Minute,
		StopLossPct:           25,
		StopLossGrace:         120 * time.Second,
		StopLossConfirmCycles: 2,
		ProfitTargets:         []float64{15, 25, 35},
	}
}

// ConfigFrom 将配置文件中的 exit 段转换为 Tracker 参数。
func ConfigFrom(c config.ExitConfig) (Config, error) {
	closeAt, err := config.ParseClock(c.MarketCloseTime)
	if err != nil {
		return Config{}, err
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return Config{}, fmt.Errorf("load timezone %s: %w", c.Timezone, err)
	}
	targets := append([]float64(nil), c.ProfitTargets...)
	sort.Float64s(targets)
	return Config{
		TrailingEnabled:       c.TrailingStopEnabled,
		ActivationPct:         c.TrailingStopActivationPct,
		DistancePct:           c.TrailingStopDistancePct,
		TimeExitEnabled:       c.TimeBasedExitEnabled,
		MarketClose:           closeAt,
		Location:              loc,
		WarningWindow:         time.Duration(c.WarningMinutesBeforeClose) * time.Minute,
		CriticalWindow:        time.Duration(c.CriticalMinutesBeforeClose) * time.Minute,
		StopLossPct:           c.StopLossPct,
		StopLossGrace:         time.Duration(c.StopLossGraceSeconds) * time.Second,
		StopLossConfirmCycles: c.StopLossConfirmCycles,
		ProfitTargets:         targets,
	}, nil
}

type positionState struct {
	position  Position
	peak      PeakState
	trailing  *float64
	breaches  int
	lifecycle Lifecycle
	lastPnL   float64
	lastEval  time.Time
}

// Tracker 只由决策循环写入；锁用于让状态查询与写入并发安全。
type Tracker struct {
	mu     sync.RWMutex
	cfg    Config
	states map[PositionKey]*positionState
	now    func() time.Time
}

func NewTracker(cfg Config) *Tracker {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.StopLossConfirmCycles <= 0 {
		cfg.StopLossConfirmCycles = 1
	}
	return &Tracker{
		cfg:    cfg,
		states: make(map[PositionKey]*positionState),
		now:    time.Now,
	}
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	if now != nil {
		t.now = now
	}
	return t
}

func (t *Tracker) Config() Config { return t.cfg }

// Evaluate 更新持仓状态并按 移动止损 > 收盘时间 > 止损 > 止盈(仅提示) 的优先级给出结果。
// stockPrice 目前只用于日志。
func (t *Tracker) Evaluate(pos Position, stockPrice, optionPrice float64) Decision {
	now := t.now()
	if pos.EntryPrice <= 0 || optionPrice <= 0 {
		return Decision{
			Reason:  ReasonNone,
			Message: fmt.Sprintf("invalid prices: entry=%.4f current=%.4f", pos.EntryPrice, optionPrice),
			Urgency: UrgencyLow,
		}
	}
	pnl := PnLPct(pos.EntryPrice, optionPrice)
	key := pos.Key()

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[key]
	if !ok {
		st = &positionState{
			position:  pos,
			peak:      PeakState{PeakPnLPct: pnl, PeakPrice: optionPrice, PeakTime: now},
			lifecycle: LifecycleNew,
		}
		t.states[key] = st
		logger.Debugf("[EXIT] tracking %s from pnl=%.2f%%", key, pnl)
	} else if pnl > st.peak.PeakPnLPct {
		st.peak = PeakState{PeakPnLPct: pnl, PeakPrice: optionPrice, PeakTime: now}
	}
	st.lastPnL = pnl
	st.lastEval = now

	t.updateTrailing(st, key)
	t.updateBreaches(st, pnl)

	var minsPtr *float64
	if t.cfg.TimeExitEnabled {
		mins := t.MinutesToClose(now)
		minsPtr = &mins
	}

	dec := t.decide(st, pos, pnl, minsPtr, now)
	dec.MinutesToClose = minsPtr
	if st.trailing != nil {
		level := *st.trailing
		dec.TrailingLevel = &level
	}
	switch {
	case dec.ShouldExit:
		st.lifecycle = LifecycleExitSignaled
		logger.Infof("[EXIT] %s %s: %s (stock=%.2f option=%.2f)", key, dec.Reason, dec.Message, stockPrice, optionPrice)
	case st.lifecycle == LifecycleExitSignaled:
	case st.trailing != nil:
		st.lifecycle = LifecycleTrailingActive
	default:
		st.lifecycle = LifecycleTracking
	}
	return dec
}

func (t *Tracker) updateTrailing(st *positionState, key PositionKey) {
	if !t.cfg.TrailingEnabled || st.peak.PeakPnLPct < t.cfg.ActivationPct {
		return
	}
	level := st.peak.PeakPnLPct - t.cfg.DistancePct
	if st.trailing == nil {
		st.trailing = &level
		logger.Infof("[EXIT] trailing stop activated for %s: peak=%.2f%% level=%.2f%%", key, st.peak.PeakPnLPct, level)
		return
	}
	// 只上移不下移
	if level > *st.trailing {
		*st.trailing = level
	}
}

func (t *Tracker) updateBreaches(st *positionState, pnl float64) {
	if pnl <= -t.cfg.StopLossPct {
		st.breaches++
		return
	}
	st.breaches = 0
}

func (t *Tracker) decide(st *positionState, pos Position, pnl float64, mins *float64, now time.Time) Decision {
	if st.trailing != nil && pnl <= *st.trailing {
		return Decision{
			ShouldExit: true,
			Reason:     ReasonTrailingStop,
			PnLPct:     pnl,
			Urgency:    UrgencyHigh,
			Message: fmt.Sprintf("trailing stop hit: pnl %.1f%% <= level %.1f%% (peak %.1f%%)",
				pnl, *st.trailing, st.peak.PeakPnLPct),
		}
	}
	if mins != nil && *mins <= t.cfg.WarningWindow.Minutes() {
		urgency := UrgencyHigh
		if *mins <= t.cfg.CriticalWindow.Minutes() {
			urgency = UrgencyCritical
		}
		return Decision{
			ShouldExit: true,
			Reason:     ReasonTimeBased,
			PnLPct:     pnl,
			Urgency:    urgency,
			Message:    fmt.Sprintf("%.0f minutes to market close, pnl %.1f%%", *mins, pnl),
		}
	}
	if st.breaches > 0 {
		held := now.Sub(pos.EntryTime)
		if held > t.cfg.StopLossGrace && st.breaches >= t.cfg.StopLossConfirmCycles {
			return Decision{
				ShouldExit: true,
				Reason:     ReasonStopLoss,
				PnLPct:     pnl,
				Urgency:    UrgencyCritical,
				Message: fmt.Sprintf("stop loss confirmed: pnl %.1f%% <= -%.1f%% for %d cycles",
					pnl, t.cfg.StopLossPct, st.breaches),
			}
		}
		return Decision{
			Reason:  ReasonNone,
			PnLPct:  pnl,
			Urgency: UrgencyNormal,
			Message: fmt.Sprintf("stop loss breach %d/%d pending (held %s, grace %s)",
				st.breaches, t.cfg.StopLossConfirmCycles, held.Round(time.Second), t.cfg.StopLossGrace),
		}
	}
	if target, ok := t.highestTarget(pnl); ok {
		return Decision{
			Reason:  ReasonProfitTarget,
			PnLPct:  pnl,
			Urgency: UrgencyNormal,
			Message: fmt.Sprintf("profit target %.0f%% reached (pnl %.1f%%)", target, pnl),
		}
	}
	return Decision{
		Reason:  ReasonNone,
		PnLPct:  pnl,
		Urgency: UrgencyLow,
		Message: fmt.Sprintf("holding: pnl %.1f%% (peak %.1f%%)", pnl, st.peak.PeakPnLPct),
	}
}

func (t *Tracker) highestTarget(pnl float64) (float64, bool) {
	found := false
	best := 0.0
	for _, target := range t.cfg.ProfitTargets {
		if pnl >= target && (!found || target > best) {
			best = target
			found = true
		}
	}
	return best, found
}

// MinutesToClose 返回距当日收盘的分钟数，收盘后为负。
func (t *Tracker) MinutesToClose(now time.Time) float64 {
	local := now.In(t.cfg.Location)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.cfg.Location)
	closeAt := midnight.Add(t.cfg.MarketClose)
	return closeAt.Sub(local).Minutes()
}

// Reset 丢弃持仓的全部状态，应在确认平仓后由调用方显式调用。
func (t *Tracker) Reset(key PositionKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[key]; !ok {
		return false
	}
	delete(t.states, key)
	logger.Infof("[EXIT] reset tracking for %s", key)
	return true
}

func (t *Tracker) Snapshot(key PositionKey) (PositionState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[key]
	if !ok {
		return PositionState{}, false
	}
	return st.snapshot(key), true
}

func (t *Tracker) Snapshots() []PositionState {
	t.mu.RLock()
	out := make([]PositionState, 0, len(t.states))
	for key, st := range t.states {
		out = append(out, st.snapshot(key))
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *positionState) snapshot(key PositionKey) PositionState {
	out := PositionState{
		Key:              key.String(),
		Position:         s.position,
		Peak:             s.peak,
		StopLossBreaches: s.breaches,
		Lifecycle:        s.lifecycle,
		LastPnLPct:       s.lastPnL,
		LastEvaluatedAt:  s.lastEval,
	}
	if s.trailing != nil {
		level := *s.trailing
		out.TrailingLevel = &level
	}
	return out
}

// PnLPct 计算 (current-entry)/entry*100。
func PnLPct(entry, current float64) float64 {
	e := decimal.NewFromFloat(entry)
	if e.IsZero() {
		return 0
	}
	pct, _ := decimal.NewFromFloat(current).Sub(e).Div(e).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}
