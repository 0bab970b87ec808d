package interfaces

import (
	"context"
	"time"

	"optguard/internal/decision"
)

// Decider 返回集成投票结论；全部提供方失败时返回 decision.ErrAllProvidersFailed。
type Decider interface {
	Decide(ctx context.Context, p decision.Payload) (decision.Result, error)
}

// Publisher 异步投递审计文本，返回 false 表示已丢弃。
type Publisher interface {
	Publish(text string) bool
}

// DecisionMetrics 记录决策相关指标。
type DecisionMetrics interface {
	ObserveDecision(kind, action, tag string)
	ObserveEnsemble(kind string, fastPath bool, elapsed time.Duration)
	IncRateLimited(tag string)
}

// HaltView 是监控循环读取的急停开关状态。
type HaltView interface {
	IsActive() bool
	IsMonitorOnly() bool
}
