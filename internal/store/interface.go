package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"optguard/internal/safety/killswitch"
)

// ErrNotFound 表示按 trace id 找不到决策记录。
var ErrNotFound = errors.New("decision not found")

// DecisionRecord 是一次编排决策的审计记录。
type DecisionRecord struct {
	TraceID    string          `json:"trace_id"`
	Kind       string          `json:"kind"`
	Symbol     string          `json:"symbol"`
	PositionID string          `json:"position_id,omitempty"`
	Action     string          `json:"action"`
	Confidence *float64        `json:"confidence,omitempty"`
	ReasonTag  string          `json:"reason_tag,omitempty"`
	Reason     string          `json:"reason"`
	FastPath   bool            `json:"fast_path"`
	Votes      json.RawMessage `json:"votes,omitempty"`
	Failures   []string        `json:"failures,omitempty"`
	ElapsedMS  int64           `json:"elapsed_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DecisionQuery 的空字段表示不过滤。
type DecisionQuery struct {
	Symbol string
	Kind   string
	Limit  int
	Offset int
}

// DecisionStore 持久化决策审计记录。
type DecisionStore interface {
	InsertDecision(ctx context.Context, rec DecisionRecord) error
	ListDecisions(ctx context.Context, q DecisionQuery) ([]DecisionRecord, error)
	GetDecision(ctx context.Context, traceID string) (DecisionRecord, error)
	Close() error
}

// HaltEventStore 记录急停开关切换历史。
type HaltEventStore interface {
	killswitch.EventRecorder
	ListHaltEvents(ctx context.Context, limit int) ([]killswitch.Event, error)
	Close() error
}
