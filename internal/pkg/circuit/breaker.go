package circuit

import (
	"fmt"
	"sync"
	"time"

	"optguard/internal/logger"

	"github.com/shopspring/decimal"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config 控制交易结果熔断的阈值。
type Config struct {
	MaxConsecutiveLosses int
	MaxDailyLoss         decimal.Decimal
	Cooldown             time.Duration
}

// Status 是熔断器的只读快照。
type Status struct {
	State             string     `json:"state"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
	DailyLoss         string     `json:"daily_loss"`
	Reason            string     `json:"reason,omitempty"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
}

// Breaker 按连续亏损次数与当日累计亏损熔断新的风险动作。
type Breaker struct {
	mu                sync.Mutex
	name              string
	cfg               Config
	state             State
	consecutiveLosses int
	dailyLoss         decimal.Decimal
	day               string
	openedAt          time.Time
	dailyTrip         bool
	reason            string
	now               func() time.Time
	onStateChange     func(name string, from, to State)
}

func NewBreaker(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// WithClock 替换时间源，便于测试。
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
	return b
}

func (b *Breaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = handler
}

// Allow 报告当前是否允许新的风险动作。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.rollDay(now)

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.dailyTrip {
			return false
		}
		if now.Sub(b.openedAt) > b.cfg.Cooldown {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordOutcome 记录一笔已实现盈亏（美元）。
func (b *Breaker) RecordOutcome(pnl decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.rollDay(now)

	if !pnl.IsNegative() {
		b.consecutiveLosses = 0
		if b.state == StateHalfOpen {
			b.reason = ""
			b.transition(StateClosed)
		}
		return
	}
	b.consecutiveLosses++
	b.dailyLoss = b.dailyLoss.Add(pnl.Neg())

	switch {
	case b.cfg.MaxDailyLoss.IsPositive() && b.dailyLoss.GreaterThanOrEqual(b.cfg.MaxDailyLoss):
		b.trip(now, true, fmt.Sprintf("daily loss %s >= %s", b.dailyLoss.StringFixed(2), b.cfg.MaxDailyLoss.StringFixed(2)))
	case b.cfg.MaxConsecutiveLosses > 0 && b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses:
		b.trip(now, false, fmt.Sprintf("%d consecutive losses", b.consecutiveLosses))
	case b.state == StateHalfOpen:
		b.trip(now, false, "loss while half-open")
	}
}

// Reset 手动恢复，清空连续亏损与当日累计。
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveLosses = 0
	b.dailyLoss = decimal.Zero
	b.dailyTrip = false
	b.reason = ""
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		State:             b.state.String(),
		ConsecutiveLosses: b.consecutiveLosses,
		DailyLoss:         b.dailyLoss.StringFixed(2),
		Reason:            b.reason,
	}
	if b.state != StateClosed {
		opened := b.openedAt
		st.OpenedAt = &opened
	}
	return st
}

func (b *Breaker) trip(now time.Time, daily bool, reason string) {
	b.openedAt = now
	b.dailyTrip = daily
	b.reason = reason
	if b.state != StateOpen {
		b.transition(StateOpen)
	}
}

func (b *Breaker) rollDay(now time.Time) {
	day := now.Format("2006-01-02")
	if b.day == day {
		return
	}
	b.day = day
	b.dailyLoss = decimal.Zero
	if b.dailyTrip {
		b.dailyTrip = false
		b.reason = ""
		b.consecutiveLosses = 0
		if b.state == StateOpen {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		go b.onStateChange(b.name, from, to)
		return
	}
	logger.Warnf("CircuitBreaker %s state change: %s -> %s (losses=%d/%d, daily_loss=%s, reason=%s)",
		b.name, from, to, b.consecutiveLosses, b.cfg.MaxConsecutiveLosses, b.dailyLoss.StringFixed(2), b.reason)
}
