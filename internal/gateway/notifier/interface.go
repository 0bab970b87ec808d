package notifier

import "context"

// TextNotifier 是最小的文本通知接口，调用方不依赖具体渠道实现。
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}
