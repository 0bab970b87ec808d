package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"optguard/internal/agent/interfaces"
	"optguard/internal/decision"
	"optguard/internal/logger"
	"optguard/internal/pkg/circuit"
	"optguard/internal/ratelimit"
	"optguard/internal/safety/gate"
	"optguard/internal/strategy/exit"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExitRequest 是监控循环为单个持仓提供的快照。
type ExitRequest struct {
	Position    exit.Position  `json:"position"`
	StockPrice  float64        `json:"stock_price"`
	OptionPrice float64        `json:"option_price"`
	ForceClose  bool           `json:"force_close"`
	Context     map[string]any `json:"context,omitempty"`
}

func (r ExitRequest) Validate() error {
	if err := r.Position.Validate(); err != nil {
		return err
	}
	if r.OptionPrice <= 0 {
		return fmt.Errorf("option_price must be > 0")
	}
	if r.StockPrice < 0 {
		return fmt.Errorf("stock_price must be >= 0")
	}
	return nil
}

// ExitDecision 是编排层对退出请求的最终结论。
type ExitDecision struct {
	TraceID      string           `json:"trace_id"`
	Action       decision.Action  `json:"action"`
	Confidence   float64          `json:"confidence"`
	ReasonTag    string           `json:"reason_tag,omitempty"`
	Reason       string           `json:"reason"`
	DeferMinutes *int             `json:"defer_minutes,omitempty"`
	RetryAfter   time.Duration    `json:"retry_after_ns,omitempty"`
	Signal       exit.Decision    `json:"signal"`
	Ensemble     *decision.Result `json:"ensemble,omitempty"`
}

// EntryRequest 是策略提出的开仓提议。
type EntryRequest struct {
	Symbol           string         `json:"symbol"`
	Contract         string         `json:"contract,omitempty"`
	Liquidity        gate.Liquidity `json:"liquidity"`
	PositionLimitsOK *bool          `json:"position_limits_ok,omitempty"`
	AccountRiskOK    *bool          `json:"account_risk_ok,omitempty"`
	GreeksOK         *bool          `json:"greeks_ok,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
}

func (r EntryRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("entry symbol is required")
	}
	if r.Liquidity.SpreadBps < 0 || r.Liquidity.Volume < 0 || r.Liquidity.OpenInterest < 0 {
		return fmt.Errorf("liquidity figures must be >= 0")
	}
	return nil
}

type EntryDecision struct {
	TraceID    string           `json:"trace_id"`
	Action     decision.Action  `json:"action"`
	Confidence float64          `json:"confidence"`
	ReasonTag  string           `json:"reason_tag,omitempty"`
	Reason     string           `json:"reason"`
	RetryAfter time.Duration    `json:"retry_after_ns,omitempty"`
	Ensemble   *decision.Result `json:"ensemble,omitempty"`
}

type OrchestratorParams struct {
	Tracker *exit.Tracker
	Gate    *gate.Gate
	Guard   *ratelimit.Guard
	Decider interfaces.Decider
	Breaker *circuit.Breaker
	Auditor *Auditor
}

// Orchestrator 串联 跟踪器 → 硬性护栏 → 限流 → 集成投票 → 双重闸门 → 审计。
type Orchestrator struct {
	tracker *exit.Tracker
	gate    *gate.Gate
	guard   *ratelimit.Guard
	decider interfaces.Decider
	breaker *circuit.Breaker
	auditor *Auditor
	stats   *sessionCounters
	now     func() time.Time
}

func NewOrchestrator(p OrchestratorParams) (*Orchestrator, error) {
	if p.Tracker == nil || p.Gate == nil || p.Guard == nil || p.Decider == nil {
		return nil, fmt.Errorf("orchestrator requires tracker, gate, guard and decider")
	}
	o := &Orchestrator{
		tracker: p.Tracker,
		gate:    p.Gate,
		guard:   p.Guard,
		decider: p.Decider,
		breaker: p.Breaker,
		auditor: p.Auditor,
		now:     time.Now,
	}
	o.stats = newSessionCounters(o.now())
	return o, nil
}

// WithClock 仅影响收盘倒计时与统计时间；跟踪器使用自己的时钟。
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if now != nil {
		o.now = now
		o.stats = newSessionCounters(now())
	}
	return o
}

// DecideExit 只在请求不合法或全部提供方失败时返回错误。
func (o *Orchestrator) DecideExit(ctx context.Context, req ExitRequest) (ExitDecision, error) {
	if err := req.Validate(); err != nil {
		return ExitDecision{}, err
	}
	o.stats.inc(counterExitCalls)
	symbol := strings.ToUpper(strings.TrimSpace(req.Position.Symbol))
	out := ExitDecision{TraceID: uuid.NewString()}

	signal := o.tracker.Evaluate(req.Position, req.StockPrice, req.OptionPrice)
	out.Signal = signal
	// 强平护栏与 time_based_exit_enabled 无关。
	mins := o.tracker.MinutesToClose(o.now())

	if rail := o.gate.CheckExitRails(gate.ExitRailInput{Signal: signal, ForceClose: req.ForceClose, MinutesToClose: &mins}); rail.Blocked {
		o.stats.inc(counterHardRails)
		out.Action = rail.Action
		out.Confidence = rail.Confidence
		out.ReasonTag = rail.Tag
		out.Reason = rail.Reason
		out.DeferMinutes = rail.DeferMinutes
		logger.Infof("[EXIT] %s: hard rail triggered - %s", symbol, rail.Reason)
		return o.finishExit(ctx, req, out), nil
	}

	if v := o.guard.Acquire(symbol); !v.Allowed {
		o.stats.inc(counterRateLimited)
		o.observeRateLimited(v.Tag)
		out.Action = decision.ActionWait
		out.ReasonTag = v.Tag
		out.RetryAfter = v.RetryAfter
		out.DeferMinutes = deferFor(v.RetryAfter)
		out.Reason = rateLimitReason(v)
		return o.finishExit(ctx, req, out), nil
	}

	res, err := o.decider.Decide(ctx, decision.Payload{
		Kind:    decision.KindExit,
		Symbol:  symbol,
		TraceID: out.TraceID,
		Context: exitContext(req, signal, mins),
	})
	if err != nil {
		if errors.Is(err, decision.ErrAllProvidersFailed) {
			o.stats.inc(counterProviderFailures)
			logger.Errorf("[EXIT] %s: all providers failed: %v", symbol, err)
		}
		return ExitDecision{}, err
	}
	out.Ensemble = &res
	out.Confidence = res.ConfidenceOr(0)

	if res.IsNoAction() {
		out.Action = decision.ActionWait
		out.ReasonTag = TagNoConsensus
		out.Reason = res.Reason
		return o.finishExit(ctx, req, out), nil
	}

	objective := o.gate.ObjectiveExitTrigger(signal)
	if ok, why := o.gate.DualGate(res.Action, out.Confidence, objective); !ok {
		if out.Confidence < o.gate.Config().MinConfidence {
			o.stats.inc(counterBelowConfidence)
		}
		out.Action = decision.ActionWait
		out.ReasonTag = TagDualGate
		out.Reason = fmt.Sprintf("%s blocked: %s", res.Action, why)
		return o.finishExit(ctx, req, out), nil
	}

	out.Action = res.Action
	out.Reason = res.Reason
	if res.Action == decision.ActionWait {
		out.DeferMinutes = res.DeferMinutes
	}
	return o.finishExit(ctx, req, out), nil
}

func (o *Orchestrator) finishExit(ctx context.Context, req ExitRequest, out ExitDecision) ExitDecision {
	switch out.Action {
	case decision.ActionSell:
		o.stats.inc(counterExitSell)
	case decision.ActionHold:
		o.stats.inc(counterExitHold)
	case decision.ActionWait:
		o.stats.inc(counterExitWait)
	default:
		o.stats.inc(counterExitAbstain)
	}
	o.auditor.Exit(ctx, req, out)
	return out
}

func (o *Orchestrator) DecideEntry(ctx context.Context, req EntryRequest) (EntryDecision, error) {
	if err := req.Validate(); err != nil {
		return EntryDecision{}, err
	}
	o.stats.inc(counterEntryCalls)
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	out := EntryDecision{TraceID: uuid.NewString()}

	rail := o.gate.CheckEntryRails(gate.EntryRailInput{
		PositionLimitsOK: req.PositionLimitsOK,
		AccountRiskOK:    req.AccountRiskOK,
		GreeksOK:         req.GreeksOK,
	})
	if rail.Blocked {
		o.stats.inc(counterHardRails)
		out.Action = rail.Action
		out.Confidence = rail.Confidence
		out.ReasonTag = rail.Tag
		out.Reason = rail.Reason
		logger.Infof("[ENTRY] %s: hard rail triggered - %s", symbol, rail.Reason)
		return o.finishEntry(ctx, req, out), nil
	}

	if v := o.guard.Acquire(symbol); !v.Allowed {
		o.stats.inc(counterRateLimited)
		o.observeRateLimited(v.Tag)
		out.Action = decision.ActionAbstain
		out.ReasonTag = v.Tag
		out.RetryAfter = v.RetryAfter
		out.Reason = rateLimitReason(v)
		return o.finishEntry(ctx, req, out), nil
	}

	objective, objReason := o.gate.ObjectiveEntryTrigger(req.Liquidity)
	res, err := o.decider.Decide(ctx, decision.Payload{
		Kind:    decision.KindEntry,
		Symbol:  symbol,
		TraceID: out.TraceID,
		Context: entryContext(req, objective),
	})
	if err != nil {
		if errors.Is(err, decision.ErrAllProvidersFailed) {
			o.stats.inc(counterProviderFailures)
			logger.Errorf("[ENTRY] %s: all providers failed: %v", symbol, err)
		}
		return EntryDecision{}, err
	}
	out.Ensemble = &res
	out.Confidence = res.ConfidenceOr(0)

	if res.IsNoAction() {
		out.Action = decision.ActionNeedUser
		out.ReasonTag = TagNoConsensus
		out.Reason = res.Reason
		return o.finishEntry(ctx, req, out), nil
	}

	if ok, why := o.gate.DualGate(res.Action, out.Confidence, objective); !ok {
		if out.Confidence < o.gate.Config().MinConfidence {
			o.stats.inc(counterBelowConfidence)
		}
		if objReason != "" && res.Action == decision.ActionApprove {
			why = fmt.Sprintf("%s (%s)", why, objReason)
		}
		out.Action = decision.ActionNeedUser
		out.ReasonTag = TagDualGate
		out.Reason = fmt.Sprintf("%s blocked: %s", res.Action, why)
		return o.finishEntry(ctx, req, out), nil
	}

	out.Action = res.Action
	out.Reason = res.Reason
	return o.finishEntry(ctx, req, out), nil
}

func (o *Orchestrator) finishEntry(ctx context.Context, req EntryRequest, out EntryDecision) EntryDecision {
	switch out.Action {
	case decision.ActionApprove:
		o.stats.inc(counterEntryApprove)
	case decision.ActionReject:
		o.stats.inc(counterEntryReject)
	case decision.ActionNeedUser:
		o.stats.inc(counterEntryNeedUser)
	default:
		o.stats.inc(counterEntryAbstain)
	}
	o.auditor.Entry(ctx, req, out)
	return out
}

// ResetCycle 在每轮扫描开始时清零调用预算。
func (o *Orchestrator) ResetCycle() {
	o.guard.ResetCycle()
}

// ClosePosition 在确认平仓后调用：丢弃跟踪状态并把已实现盈亏计入熔断器。
func (o *Orchestrator) ClosePosition(key exit.PositionKey, realizedPnL decimal.Decimal) bool {
	removed := o.tracker.Reset(key)
	if o.breaker != nil {
		o.breaker.RecordOutcome(realizedPnL)
	}
	logger.Infof("[EXIT] %s closed realized=%s tracked=%v", key, realizedPnL.StringFixed(2), removed)
	return removed
}

// RecordPartialExit 部分成交只把已实现盈亏计入熔断器，剩余合约继续跟踪。
func (o *Orchestrator) RecordPartialExit(key exit.PositionKey, realizedPnL decimal.Decimal) {
	if o.breaker != nil {
		o.breaker.RecordOutcome(realizedPnL)
	}
	logger.Infof("[EXIT] %s partially closed realized=%s, still tracking", key, realizedPnL.StringFixed(2))
}

func (o *Orchestrator) Positions() []exit.PositionState {
	return o.tracker.Snapshots()
}

func (o *Orchestrator) Stats() Stats {
	st := o.stats.snapshot(o.now())
	st.ScanBudgetUsed = o.guard.Used()
	st.ScanBudget = o.guard.Budget()
	return st
}

func (o *Orchestrator) observeRateLimited(tag string) {
	if o.auditor != nil && o.auditor.metrics != nil {
		o.auditor.metrics.IncRateLimited(tag)
	}
}

func rateLimitReason(v ratelimit.Verdict) string {
	if v.Tag == ratelimit.TagBudgetExceeded {
		return fmt.Sprintf("scan budget exhausted (%d/%d), retry in %s", v.Used, v.Budget, v.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("symbol cooldown active, retry in %s", v.RetryAfter.Round(time.Second))
}

// deferFor 把重试等待换算为整分钟，至少 1 分钟。
func deferFor(d time.Duration) *int {
	m := int(math.Ceil(d.Minutes()))
	if m < 1 {
		m = 1
	}
	return &m
}

func exitContext(req ExitRequest, sig exit.Decision, minsToClose float64) map[string]any {
	ctx := make(map[string]any, len(req.Context)+4)
	for k, v := range req.Context {
		ctx[k] = v
	}
	pos := req.Position
	ctx["position"] = map[string]any{
		"symbol":      strings.ToUpper(pos.Symbol),
		"strike":      pos.Strike,
		"side":        string(pos.Side),
		"entry_price": pos.EntryPrice,
		"entry_time":  pos.EntryTime.UTC().Format(time.RFC3339),
		"quantity":    pos.Quantity,
	}
	ctx["pnl"] = map[string]any{
		"pct":          round2(sig.PnLPct),
		"option_price": req.OptionPrice,
		"stock_price":  req.StockPrice,
	}
	signal := map[string]any{
		"reason":  string(sig.Reason),
		"urgency": string(sig.Urgency),
		"message": sig.Message,
	}
	if sig.TrailingLevel != nil {
		signal["trailing_level_pct"] = round2(*sig.TrailingLevel)
	}
	ctx["exit_signal"] = signal
	ctx["time_to_close_min"] = round2(minsToClose)
	return ctx
}

func entryContext(req EntryRequest, objective bool) map[string]any {
	ctx := make(map[string]any, len(req.Context)+3)
	for k, v := range req.Context {
		ctx[k] = v
	}
	if req.Contract != "" {
		ctx["contract"] = req.Contract
	}
	liq := map[string]any{
		"spread_bps":    req.Liquidity.SpreadBps,
		"volume":        req.Liquidity.Volume,
		"open_interest": req.Liquidity.OpenInterest,
	}
	if req.Liquidity.Delta != nil {
		liq["delta"] = *req.Liquidity.Delta
	}
	if req.Liquidity.Theta != nil {
		liq["theta"] = *req.Liquidity.Theta
	}
	ctx["liquidity"] = liq
	ctx["objective_checks_passed"] = objective
	return ctx
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
