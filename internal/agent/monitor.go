package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"optguard/internal/agent/interfaces"
	"optguard/internal/agent/ports"
	"optguard/internal/decision"
	"optguard/internal/logger"
	"optguard/internal/safety/gate"
	"optguard/internal/strategy/exit"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
)

// 每份期权合约对应 100 股标的。
const contractMultiplier = 100

type MonitorParams struct {
	Orchestrator *Orchestrator
	Positions    ports.PositionSource
	Market       ports.MarketDataProvider
	Executor     ports.OrderExecutor
	Halt         interfaces.HaltView
	HaltBehavior string
	Interval     time.Duration
	FillTimeout  time.Duration
}

// Monitor 驱动一轮轮的持仓评估，并把 SELL 交给下单方执行。
type Monitor struct {
	orch         *Orchestrator
	positions    ports.PositionSource
	market       ports.MarketDataProvider
	executor     ports.OrderExecutor
	halt         interfaces.HaltView
	haltBehavior string
	interval     time.Duration
	fillTimeout  time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	pending map[exit.PositionKey]pendingOrder
}

// pendingOrder 是轮询超时后仍可能在券商侧存活的卖单；存在期间不再为该持仓下新单。
type pendingOrder struct {
	OrderID  string
	Qty      int
	PlacedAt time.Time
}

func NewMonitor(p MonitorParams) (*Monitor, error) {
	if p.Orchestrator == nil || p.Positions == nil || p.Market == nil {
		return nil, fmt.Errorf("monitor requires orchestrator, position source and market data")
	}
	if p.Interval <= 0 {
		p.Interval = time.Minute
	}
	if p.FillTimeout <= 0 {
		p.FillTimeout = 30 * time.Second
	}
	if p.HaltBehavior == "" {
		p.HaltBehavior = gate.BehaviorHalt
	}
	return &Monitor{
		orch:         p.Orchestrator,
		positions:    p.Positions,
		market:       p.Market,
		executor:     p.Executor,
		halt:         p.Halt,
		haltBehavior: p.HaltBehavior,
		interval:     p.Interval,
		fillTimeout:  p.FillTimeout,
		pollInterval: time.Second,
		pending:      make(map[exit.PositionKey]pendingOrder),
	}, nil
}

// PositionOutcome 记录单个持仓在本轮的处理结果。
type PositionOutcome struct {
	Key      string        `json:"key"`
	Decision *ExitDecision `json:"decision,omitempty"`
	Skipped  string        `json:"skipped,omitempty"`
	OrderID  string        `json:"order_id,omitempty"`
	Fill     *ports.Fill   `json:"fill,omitempty"`
	Err      string        `json:"error,omitempty"`
}

type CycleReport struct {
	StartedAt time.Time         `json:"started_at"`
	Elapsed   time.Duration     `json:"elapsed_ns"`
	Outcomes  []PositionOutcome `json:"outcomes"`
}

// RunCycle 评估全部持仓；单个持仓出错只影响自身。
func (m *Monitor) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{StartedAt: time.Now()}
	m.orch.ResetCycle()

	positions, err := m.positions.OpenPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("list open positions: %w", err)
	}
	for _, pos := range positions {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Outcomes = append(report.Outcomes, m.evaluate(ctx, pos))
	}
	report.Elapsed = time.Since(report.StartedAt)
	logger.Infof("[MONITOR] cycle done positions=%d elapsed=%s", len(positions), report.Elapsed.Truncate(time.Millisecond))
	return report, nil
}

func (m *Monitor) evaluate(ctx context.Context, pos exit.Position) PositionOutcome {
	out := PositionOutcome{Key: pos.Key().String()}
	if m.reconcile(ctx, pos, &out) {
		return out
	}

	stock, err := m.market.CurrentPrice(ctx, pos.Symbol)
	if err != nil {
		return m.skip(out, err)
	}
	option, err := m.market.OptionMidPrice(ctx, pos)
	if err != nil {
		return m.skip(out, err)
	}

	dec, err := m.orch.DecideExit(ctx, ExitRequest{Position: pos, StockPrice: stock, OptionPrice: option})
	if err != nil {
		logger.Errorf("[MONITOR] %s decide exit failed: %v", out.Key, err)
		out.Err = err.Error()
		return out
	}
	out.Decision = &dec
	if dec.Action != decision.ActionSell {
		return out
	}
	if m.ordersHalted() {
		out.Skipped = "kill switch halt: order placement suspended"
		logger.Warnf("[MONITOR] %s SELL not executed: kill switch halted", out.Key)
		return out
	}
	if m.executor == nil {
		out.Skipped = "no order executor configured"
		return out
	}

	qty := orderQty(pos)
	fill, orderID, err := m.sell(ctx, pos, qty)
	out.OrderID = orderID
	if fill.FilledQty > 0 {
		out.Fill = &fill
		m.settle(pos, qty, fill)
	}
	if err != nil {
		logger.Errorf("[MONITOR] %s sell failed order=%s: %v", out.Key, orderID, err)
		out.Err = err.Error()
	}
	return out
}

// reconcile 检查该持仓上一轮遗留的卖单；返回 true 表示本轮不再继续评估。
func (m *Monitor) reconcile(ctx context.Context, pos exit.Position, out *PositionOutcome) bool {
	key := pos.Key()
	m.mu.Lock()
	p, ok := m.pending[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	out.OrderID = p.OrderID
	if m.executor == nil {
		out.Skipped = TagOrderPending
		return true
	}
	fill, err := m.executor.PollFill(ctx, p.OrderID, m.pollInterval*2)
	if err != nil || !fill.Terminal() {
		out.Skipped = TagOrderPending
		if err != nil {
			out.Err = fmt.Sprintf("poll pending order: %v", err)
		}
		m.requestCancel(ctx, key, p.OrderID)
		logger.Warnf("[MONITOR] %s sell order %s still outstanding since %s, no new order",
			out.Key, p.OrderID, p.PlacedAt.Format(time.RFC3339))
		return true
	}

	m.mu.Lock()
	delete(m.pending, key)
	m.mu.Unlock()
	logger.Infof("[MONITOR] %s pending order %s settled status=%s filled=%d/%d",
		out.Key, p.OrderID, fill.Status, fill.FilledQty, p.Qty)
	if fill.FilledQty <= 0 {
		return false
	}
	out.Fill = &fill
	m.settle(pos, p.Qty, fill)
	// 全部成交即已平仓；部分成交时剩余合约照常评估。
	return fill.FilledQty >= p.Qty
}

// settle 全部成交才丢弃跟踪状态，部分成交只记录已实现盈亏。
func (m *Monitor) settle(pos exit.Position, orderedQty int, fill ports.Fill) {
	realized := decimal.NewFromFloat(fill.AvgPrice).
		Sub(decimal.NewFromFloat(pos.EntryPrice)).
		Mul(decimal.NewFromInt(int64(fill.FilledQty * contractMultiplier)))
	if fill.FilledQty >= orderedQty {
		m.orch.ClosePosition(pos.Key(), realized)
		return
	}
	m.orch.RecordPartialExit(pos.Key(), realized)
}

func (m *Monitor) requestCancel(ctx context.Context, key exit.PositionKey, orderID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.executor.CancelOrder(cctx, orderID); err != nil {
		logger.Errorf("[MONITOR] %s cancel order %s failed: %v", key, orderID, err)
	}
}

// PendingOrders 返回尚未确认终态的卖单数量。
func (m *Monitor) PendingOrders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Monitor) skip(out PositionOutcome, err error) PositionOutcome {
	if errors.Is(err, ports.ErrPriceUnavailable) {
		out.Skipped = TagPriceUnavailable
		logger.Warnf("[MONITOR] %s skipped: price unavailable", out.Key)
		return out
	}
	out.Err = err.Error()
	logger.Warnf("[MONITOR] %s price fetch failed: %v", out.Key, err)
	return out
}

// ordersHalted flatten 模式下护栏本身会给出 SELL，需要执行。
func (m *Monitor) ordersHalted() bool {
	if m.halt == nil || !m.halt.IsActive() {
		return false
	}
	return !m.halt.IsMonitorOnly() && m.haltBehavior != gate.BehaviorFlatten
}

var errFillPending = errors.New("fill pending")
func orderQty(pos exit.Position) int {
	if pos.Quantity <= 0 {
		return 1
	}
	return pos.Quantity
}

// sell 下市价单并在 fillTimeout 内轮询成交；超时未到终态则撤单并登记为挂起。
func (m *Monitor) sell(ctx context.Context, pos exit.Position, qty int) (ports.Fill, string, error) {
	orderID, err := m.executor.PlaceMarketOrder(ctx, pos, qty, ports.OrderSideSell)
	if err != nil {
		return ports.Fill{}, "", fmt.Errorf("place order: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.pollInterval
	policy.MaxInterval = 5 * m.pollInterval

	var last ports.Fill
	op := func() (ports.Fill, error) {
		fill, err := m.executor.PollFill(ctx, orderID, m.pollInterval*2)
		if err != nil {
			return ports.Fill{}, err
		}
		last = fill
		switch fill.Status {
		case ports.FillFilled:
			return fill, nil
		case ports.FillRejected, ports.FillCanceled:
			return fill, backoff.Permanent(fmt.Errorf("order %s %s", orderID, fill.Status))
		default:
			return fill, errFillPending
		}
	}
	fill, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(m.fillTimeout))
	if err == nil {
		return fill, orderID, nil
	}
	if last.Terminal() {
		return last, orderID, fmt.Errorf("poll fill: %w", err)
	}

	key := pos.Key()
	m.mu.Lock()
	m.pending[key] = pendingOrder{OrderID: orderID, Qty: qty, PlacedAt: time.Now()}
	m.mu.Unlock()
	m.requestCancel(ctx, key, orderID)
	// 超时时已成交的部分在撤单确认后由 reconcile 结算。
	return ports.Fill{}, orderID, fmt.Errorf("poll fill: %w; cancel requested, order tracked as pending", err)
}

// Run 按固定间隔执行 RunCycle，直到 ctx 结束。
func (m *Monitor) Run(ctx context.Context) error {
	logger.Infof("[MONITOR] starting interval=%s", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if _, err := m.RunCycle(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("[MONITOR] cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
