package ports

import (
	"context"
	"errors"
	"time"

	"optguard/internal/strategy/exit"
)

// ErrPriceUnavailable 表示本轮拿不到价格，调用方跳过该持仓。
var ErrPriceUnavailable = errors.New("price unavailable")

// MarketDataProvider 提供标的与期权的最新价格。
type MarketDataProvider interface {
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
	OptionMidPrice(ctx context.Context, contract exit.Position) (float64, error)
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

type FillStatus string

const (
	FillPending  FillStatus = "pending"
	FillFilled   FillStatus = "filled"
	FillRejected FillStatus = "rejected"
	FillCanceled FillStatus = "canceled"
)

// Fill 是一次成交查询的结果。
type Fill struct {
	OrderID   string     `json:"order_id"`
	Status    FillStatus `json:"status"`
	FilledQty int        `json:"filled_qty"`
	AvgPrice  float64    `json:"avg_price"`
	FilledAt  time.Time  `json:"filled_at"`
}

// Terminal 报告订单是否已到终态。
func (f Fill) Terminal() bool {
	return f.Status == FillFilled || f.Status == FillRejected || f.Status == FillCanceled
}

// OrderExecutor 负责下单、成交查询与撤单，券商协议细节由实现方处理。
// CancelOrder 可以是异步的，撤单结果以之后 PollFill 返回的终态为准。
type OrderExecutor interface {
	PlaceMarketOrder(ctx context.Context, contract exit.Position, qty int, side OrderSide) (string, error)
	PollFill(ctx context.Context, orderID string, timeout time.Duration) (Fill, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// PositionSource 列出当前持仓。
type PositionSource interface {
	OpenPositions(ctx context.Context) ([]exit.Position, error)
}
