package agent

import (
	"sync"
	"time"
)

const (
	counterExitSell         = "exit_sell"
	counterExitHold         = "exit_hold"
	counterExitWait         = "exit_wait"
	counterExitAbstain      = "exit_abstain"
	counterEntryApprove     = "entry_approve"
	counterEntryReject      = "entry_reject"
	counterEntryNeedUser    = "entry_need_user"
	counterEntryAbstain     = "entry_abstain"
	counterBelowConfidence  = "below_confidence"
	counterRateLimited      = "rate_limited"
	counterHardRails        = "hard_rails"
	counterProviderFailures = "provider_failures"
	counterExitCalls        = "exit_calls_total"
	counterEntryCalls       = "entry_calls_total"
)

var allCounters = []string{
	counterExitCalls, counterEntryCalls,
	counterExitSell, counterExitHold, counterExitWait, counterExitAbstain,
	counterEntryApprove, counterEntryReject, counterEntryNeedUser, counterEntryAbstain,
	counterBelowConfidence, counterRateLimited, counterHardRails, counterProviderFailures,
}

// Stats 是会话级统计快照。
type Stats struct {
	StartedAt       time.Time        `json:"started_at"`
	DurationMinutes float64          `json:"session_duration_minutes"`
	Counters        map[string]int64 `json:"counters"`
	ScanBudgetUsed  int              `json:"scan_budget_used"`
	ScanBudget      int              `json:"scan_budget"`
}

type sessionCounters struct {
	mu      sync.Mutex
	started time.Time
	values  map[string]int64
}

func newSessionCounters(now time.Time) *sessionCounters {
	c := &sessionCounters{started: now, values: make(map[string]int64, len(allCounters))}
	for _, name := range allCounters {
		c.values[name] = 0
	}
	return c
}

func (c *sessionCounters) inc(name string) {
	c.mu.Lock()
	c.values[name]++
	c.mu.Unlock()
}

func (c *sessionCounters) snapshot(now time.Time) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return Stats{
		StartedAt:       c.started,
		DurationMinutes: now.Sub(c.started).Minutes(),
		Counters:        out,
	}
}
