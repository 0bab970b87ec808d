// Package ratelimit 限制单个标的的模型调用频率以及每轮扫描的调用预算。
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Verdict 描述一次预算申请的结果；被拒绝时不排队。
type Verdict struct {
	Allowed    bool
	Tag        string
	RetryAfter time.Duration
	Used       int
	Budget     int
}

const (
	TagRateLimited    = "BLOCKED_RATE_LIMIT"
	TagBudgetExceeded = "BLOCKED_RATE_LIMIT_SCAN_BUDGET"
)

// Guard 持有每个标的的冷却限流器以及本轮调用计数。
type Guard struct {
	mu          sync.Mutex
	cooldown    time.Duration
	budget      int
	used        int
	cycleStart  time.Time
	cycleLength time.Duration
	limiters    map[string]*rate.Limiter
	now         func() time.Time
}

// NewGuard cooldown<=0 表示不做单标的限流，budget<=0 表示不限制每轮调用。
// cycleLength 仅用于估算预算耗尽时的重试提示。
func NewGuard(cooldown time.Duration, budget int, cycleLength time.Duration) *Guard {
	g := &Guard{
		cooldown:    cooldown,
		budget:      budget,
		cycleLength: cycleLength,
		limiters:    make(map[string]*rate.Limiter),
		now:         time.Now,
	}
	g.cycleStart = g.now()
	return g
}

func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now != nil {
		g.now = now
		g.cycleStart = now()
	}
	return g
}

// Acquire 先检查本轮预算再检查单标的冷却；两者都通过才消耗额度。
func (g *Guard) Acquire(symbol string) Verdict {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	if g.budget > 0 && g.used >= g.budget {
		return Verdict{
			Tag:        TagBudgetExceeded,
			RetryAfter: g.untilNextCycle(now),
			Used:       g.used,
			Budget:     g.budget,
		}
	}
	if g.cooldown > 0 {
		lim := g.limiterFor(symbol)
		res := lim.ReserveN(now, 1)
		if !res.OK() {
			return Verdict{Tag: TagRateLimited, RetryAfter: g.cooldown, Used: g.used, Budget: g.budget}
		}
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			return Verdict{Tag: TagRateLimited, RetryAfter: delay, Used: g.used, Budget: g.budget}
		}
	}
	g.used++
	return Verdict{Allowed: true, Used: g.used, Budget: g.budget}
}

// ResetCycle 由扫描循环的拥有者在每轮开始时调用。
func (g *Guard) ResetCycle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.used = 0
	g.cycleStart = g.now()
}

// Used 返回本轮已消耗的调用次数。
func (g *Guard) Used() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used
}

func (g *Guard) Budget() int { return g.budget }

func (g *Guard) limiterFor(symbol string) *rate.Limiter {
	lim, ok := g.limiters[symbol]
	if !ok {
		lim = rate.NewLimiter(rate.Every(g.cooldown), 1)
		g.limiters[symbol] = lim
	}
	return lim
}

func (g *Guard) untilNextCycle(now time.Time) time.Duration {
	if g.cycleLength <= 0 {
		return 0
	}
	wait := g.cycleStart.Add(g.cycleLength).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}
