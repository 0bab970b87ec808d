package exit

import (
	"fmt"
	"strings"
	"time"
)

type Side string

const (
	SideCall Side = "CALL"
	SidePut  Side = "PUT"
)

// ParseSide 接受 CALL/PUT 及常见简写。
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CALL", "C":
		return SideCall, nil
	case "PUT", "P":
		return SidePut, nil
	default:
		return "", fmt.Errorf("unknown option side %q", s)
	}
}

// Position 是被跟踪的期权持仓。
type Position struct {
	Symbol     string    `json:"symbol"`
	Strike     float64   `json:"strike"`
	Side       Side      `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`
	Quantity   int       `json:"quantity"`
}

func (p Position) Key() PositionKey {
	return PositionKey{
		Symbol:    strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Strike:    p.Strike,
		Side:      p.Side,
		EntryTime: p.EntryTime.UTC(),
	}
}

func (p Position) Validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("position symbol is required")
	}
	if p.Side != SideCall && p.Side != SidePut {
		return fmt.Errorf("position side must be CALL or PUT, got %q", p.Side)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("position entry_price must be > 0")
	}
	if p.EntryTime.IsZero() {
		return fmt.Errorf("position entry_time is required")
	}
	return nil
}

// PositionKey 唯一标识一笔持仓。
type PositionKey struct {
	Symbol    string
	Strike    float64
	Side      Side
	EntryTime time.Time
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s_%.2f_%s_%s", k.Symbol, k.Strike, k.Side, k.EntryTime.UTC().Format(time.RFC3339))
}

type Reason string

const (
	ReasonTrailingStop Reason = "trailing_stop"
	ReasonTimeBased    Reason = "time_based"
	ReasonStopLoss     Reason = "stop_loss"
	ReasonProfitTarget Reason = "profit_target"
	ReasonNone         Reason = "no_exit"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Decision 是单次评估的结果，生成后不再修改。
type Decision struct {
	ShouldExit     bool     `json:"should_exit"`
	Reason         Reason   `json:"reason"`
	PnLPct         float64  `json:"pnl_pct"`
	Message        string   `json:"message"`
	Urgency        Urgency  `json:"urgency"`
	TrailingLevel  *float64 `json:"trailing_level,omitempty"`
	MinutesToClose *float64 `json:"minutes_to_close,omitempty"`
}

type Lifecycle string

const (
	LifecycleNew            Lifecycle = "new"
	LifecycleTracking       Lifecycle = "tracking"
	LifecycleTrailingActive Lifecycle = "trailing_active"
	LifecycleExitSignaled   Lifecycle = "exit_signaled"
)

// PeakState 记录持仓期间的最高盈亏。
type PeakState struct {
	PeakPnLPct float64   `json:"peak_pnl_pct"`
	PeakPrice  float64   `json:"peak_price"`
	PeakTime   time.Time `json:"peak_time"`
}

// PositionState 是对外暴露的状态快照。
type PositionState struct {
	Key              string    `json:"key"`
	Position         Position  `json:"position"`
	Peak             PeakState `json:"peak"`
	TrailingLevel    *float64  `json:"trailing_level,omitempty"`
	StopLossBreaches int       `json:"stop_loss_breaches"`
	Lifecycle        Lifecycle `json:"lifecycle"`
	LastPnLPct       float64   `json:"last_pnl_pct"`
	LastEvaluatedAt  time.Time `json:"last_evaluated_at"`
}
