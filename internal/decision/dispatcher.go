package decision

import (
	"context"
	"fmt"
	"time"

	"optguard/internal/gateway/provider"
	"optguard/internal/logger"

	"golang.org/x/sync/errgroup"
)

// CallObserver 接收每次提供方调用的结果，用于指标统计。
type CallObserver interface {
	ObserveProviderCall(providerID, outcome string, latency time.Duration)
}

const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeMalformed = "malformed"
	OutcomeEscalated = "escalated"
)

// Dispatcher 并行调用提供方并把结果写入缓冲通道。
type Dispatcher struct {
	Backup   provider.ModelProvider
	Parser   *Parser
	Observer CallObserver
}

type callFunc func(ctx context.Context, p provider.ModelProvider) ModelOutput

// Start 为每个提供方启动一个 goroutine；通道容量等于提供方数量，发送方永不阻塞，
// 全部完成后通道关闭。调用方可以在中途停止读取并取消 ctx。
func (d *Dispatcher) Start(ctx context.Context, providers []provider.ModelProvider, call callFunc) <-chan ModelOutput {
	out := make(chan ModelOutput, len(providers))
	var eg errgroup.Group
	for _, p := range providers {
		p := p
		eg.Go(func() error {
			out <- d.invokeSafe(ctx, p, call)
			return nil
		})
	}
	go func() {
		_ = eg.Wait()
		close(out)
	}()
	return out
}

// Query 调用单个提供方并解析；结构不合法时向备份提供方升级重试一次。
func (d *Dispatcher) Query(ctx context.Context, p provider.ModelProvider, kind Kind, chat provider.ChatPayload) ModelOutput {
	start := time.Now()
	raw, err := p.Call(ctx, chat)
	latency := time.Since(start)
	if err != nil {
		d.observe(p.ID(), OutcomeError, latency)
		logger.Warnf("[ENSEMBLE] provider %s failed elapsed=%s err=%v", p.ID(), latency.Truncate(time.Millisecond), err)
		return ModelOutput{ProviderID: p.ID(), Err: fmt.Errorf("%w: %s: %w", ErrProviderFailure, p.ID(), err), Latency: latency}
	}
	vote, perr := d.Parser.Parse(kind, raw)
	if perr == nil {
		d.observe(p.ID(), OutcomeOK, latency)
		vote.ProviderID = p.ID()
		vote.Latency = latency
		return ModelOutput{ProviderID: p.ID(), Raw: raw, Vote: vote, Latency: latency}
	}
	d.observe(p.ID(), OutcomeMalformed, latency)
	logger.Warnf("[ENSEMBLE] provider %s returned malformed reply: %v", p.ID(), perr)
	if d.Backup == nil || d.Backup.ID() == p.ID() {
		return ModelOutput{ProviderID: p.ID(), Raw: raw, Err: fmt.Errorf("%w: %s: %w", ErrProviderFailure, p.ID(), perr), Latency: latency}
	}
	return d.escalate(ctx, p.ID(), kind, chat, raw, start)
}

func (d *Dispatcher) escalate(ctx context.Context, origin string, kind Kind, chat provider.ChatPayload, firstRaw string, start time.Time) ModelOutput {
	bStart := time.Now()
	raw, err := d.Backup.Call(ctx, chat)
	bLatency := time.Since(bStart)
	total := time.Since(start)
	if err != nil {
		d.observe(d.Backup.ID(), OutcomeError, bLatency)
		return ModelOutput{ProviderID: origin, Raw: firstRaw, Latency: total,
			Err: fmt.Errorf("%w: %s: escalation to %s failed: %w", ErrProviderFailure, origin, d.Backup.ID(), err)}
	}
	vote, perr := d.Parser.Parse(kind, raw)
	if perr != nil {
		d.observe(d.Backup.ID(), OutcomeMalformed, bLatency)
		return ModelOutput{ProviderID: origin, Raw: raw, Latency: total,
			Err: fmt.Errorf("%w: %s: escalation to %s: %w", ErrProviderFailure, origin, d.Backup.ID(), perr)}
	}
	d.observe(d.Backup.ID(), OutcomeEscalated, bLatency)
	logger.Infof("[ENSEMBLE] malformed reply from %s recovered via backup %s", origin, d.Backup.ID())
	vote.ProviderID = origin
	vote.Escalated = true
	vote.Latency = total
	vote.Reason = fmt.Sprintf("[via %s] %s", d.Backup.ID(), vote.Reason)
	return ModelOutput{ProviderID: origin, Raw: raw, Vote: vote, Latency: total}
}

func (d *Dispatcher) invokeSafe(ctx context.Context, p provider.ModelProvider, call callFunc) (out ModelOutput) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[ENSEMBLE] provider %s panic: %v", p.ID(), r)
			out = ModelOutput{
				ProviderID: p.ID(),
				Err:        fmt.Errorf("%w: %s: panic: %v", ErrProviderFailure, p.ID(), r),
			}
		}
	}()
	return call(ctx, p)
}

func (d *Dispatcher) observe(id, outcome string, latency time.Duration) {
	if d.Observer != nil {
		d.Observer.ObserveProviderCall(id, outcome, latency)
	}
}
