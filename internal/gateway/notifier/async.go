package notifier

import (
	"context"
	"time"

	"optguard/internal/logger"

	"github.com/alitto/pond"
)

// AsyncPublisher 在 worker 池中投递通知；队列满时直接丢弃，决策流程永不阻塞。
type AsyncPublisher struct {
	sink      TextNotifier
	pool      *pond.WorkerPool
	timeout   time.Duration
	onDropped func()
}

type AsyncOption func(*AsyncPublisher)

func WithSendTimeout(d time.Duration) AsyncOption {
	return func(p *AsyncPublisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithDropHook 在消息因队列已满被丢弃时调用。
func WithDropHook(fn func()) AsyncOption {
	return func(p *AsyncPublisher) { p.onDropped = fn }
}

func NewAsyncPublisher(sink TextNotifier, workers, queueSize int, opts ...AsyncOption) *AsyncPublisher {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &AsyncPublisher{sink: sink, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(p)
	}
	p.pool = pond.New(workers, queueSize,
		pond.MinWorkers(1),
		pond.IdleTimeout(time.Minute),
		pond.PanicHandler(func(v interface{}) {
			logger.Errorf("notifier worker panic: %v", v)
		}))
	return p
}

// Publish 不等待发送结果；返回 false 表示消息被丢弃。
func (p *AsyncPublisher) Publish(text string) bool {
	if p == nil || p.sink == nil {
		return false
	}
	ok := p.pool.TrySubmit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.sink.SendText(ctx, text); err != nil {
			logger.Warnf("notification failed: %v", err)
		}
	})
	if !ok {
		logger.Warnf("notification queue full, dropping message")
		if p.onDropped != nil {
			p.onDropped()
		}
	}
	return ok
}

// Close 等待已入队的消息发送完毕。
func (p *AsyncPublisher) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.StopAndWait()
}
