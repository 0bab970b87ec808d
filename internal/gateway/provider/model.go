package provider

import "context"

// ChatPayload 是一次对话补全请求的内容。
type ChatPayload struct {
	System    string
	User      string
	MaxTokens int
	// TraceID 仅用于审计日志关联。
	TraceID string
	// Purpose 标识请求用途（exit / entry / trade）。
	Purpose string
}

// ModelProvider 是参与集成投票的意见提供方。
type ModelProvider interface {
	ID() string
	Enabled() bool

	Call(ctx context.Context, payload ChatPayload) (string, error)
}
