package gate

import (
	"path/filepath"
	"testing"
	"time"

	"optguard/internal/decision"
	"optguard/internal/pkg/circuit"
	"optguard/internal/safety/killswitch"
	"optguard/internal/strategy/exit"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MinConfidence:      0.6,
		KillSwitchBehavior: BehaviorHalt,
		HaltDeferMinutes:   60,
		StopLossPct:        25,
		Entry: EntryThresholds{
			MaxSpreadBps:    500,
			MinVolume:       100,
			MinOpenInterest: 50,
			MinDelta:        0.3,
			MaxDelta:        0.7,
			MinTheta:        -0.10,
		},
	}
}

func newSwitch(t *testing.T) *killswitch.KillSwitch {
	t.Helper()
	return killswitch.New(filepath.Join(t.TempDir(), "EMERGENCY_STOP.txt"))
}

func newBreaker() *circuit.Breaker {
	return circuit.NewBreaker("test", circuit.Config{
		MaxConsecutiveLosses: 2,
		MaxDailyLoss:         decimal.NewFromInt(1000),
		Cooldown:             time.Hour,
	})
}

func boolPtr(b bool) *bool { return &b }
func f64(f float64) *float64 { return &f }

func TestCheckExitRails_KillSwitchHaltDefers(t *testing.T) {
	ks := newSwitch(t)
	require.True(t, ks.Activate("manual halt", killswitch.SourceManual, false))
	g := New(testConfig(), ks, newBreaker())

	v := g.CheckExitRails(ExitRailInput{ForceClose: true})
	assert.True(t, v.Blocked)
	assert.Equal(t, decision.ActionWait, v.Action)
	assert.Equal(t, TagKillSwitch, v.Tag)
	require.NotNil(t, v.DeferMinutes)
	assert.Equal(t, 60, *v.DeferMinutes)
	assert.Contains(t, v.Reason, "manual halt")
}

func TestCheckExitRails_KillSwitchFlatten(t *testing.T) {
	ks := newSwitch(t)
	ks.Activate("drill", killswitch.SourceManual, false)
	cfg := testConfig()
	cfg.KillSwitchBehavior = BehaviorFlatten
	g := New(cfg, ks, nil)

	v := g.CheckExitRails(ExitRailInput{})
	assert.Equal(t, decision.ActionSell, v.Action)
	assert.Equal(t, TagKillSwitchFlatten, v.Tag)
	assert.Nil(t, v.DeferMinutes)
}

func TestCheckExitRails_Order(t *testing.T) {
	br := newBreaker()
	br.RecordOutcome(decimal.NewFromInt(-10))
	br.RecordOutcome(decimal.NewFromInt(-10))
	g := New(testConfig(), newSwitch(t), br)

	v := g.CheckExitRails(ExitRailInput{ForceClose: true})
	assert.Equal(t, decision.ActionAbstain, v.Action, "breaker precedes force close")
	assert.Equal(t, TagCircuitBreaker, v.Tag)

	br.Reset()
	v = g.CheckExitRails(ExitRailInput{MinutesToClose: f64(-1), Signal: exit.Decision{ShouldExit: true, Reason: exit.ReasonStopLoss}})
	assert.Equal(t, TagForceClose, v.Tag)
	assert.Equal(t, decision.ActionSell, v.Action)

	v = g.CheckExitRails(ExitRailInput{MinutesToClose: f64(30), Signal: exit.Decision{ShouldExit: true, Reason: exit.ReasonStopLoss, PnLPct: -30}})
	assert.Equal(t, TagStopLoss, v.Tag)

	v = g.CheckExitRails(ExitRailInput{MinutesToClose: f64(30), Signal: exit.Decision{Reason: exit.ReasonNone, PnLPct: -30}})
	assert.False(t, v.Blocked, "unconfirmed stop loss is not a rail")
}

func TestCheckEntryRails(t *testing.T) {
	ks := newSwitch(t)
	g := New(testConfig(), ks, newBreaker())

	assert.False(t, g.CheckEntryRails(EntryRailInput{}).Blocked)

	v := g.CheckEntryRails(EntryRailInput{PositionLimitsOK: boolPtr(true), AccountRiskOK: boolPtr(false), GreeksOK: boolPtr(false)})
	assert.Equal(t, decision.ActionReject, v.Action)
	assert.Equal(t, TagAccountRisk, v.Tag)
	assert.Equal(t, 1.0, v.Confidence)

	ks.Activate("monitor", killswitch.SourceManual, true)
	v = g.CheckEntryRails(EntryRailInput{AccountRiskOK: boolPtr(false)})
	assert.Equal(t, decision.ActionAbstain, v.Action)
	assert.Equal(t, TagKillSwitch, v.Tag)
}

func TestObjectiveExitTrigger(t *testing.T) {
	g := New(testConfig(), nil, nil)
	assert.True(t, g.ObjectiveExitTrigger(exit.Decision{Reason: exit.ReasonProfitTarget, PnLPct: 16}))
	assert.True(t, g.ObjectiveExitTrigger(exit.Decision{Reason: exit.ReasonTimeBased}))
	assert.True(t, g.ObjectiveExitTrigger(exit.Decision{Reason: exit.ReasonNone, PnLPct: -25}))
	assert.False(t, g.ObjectiveExitTrigger(exit.Decision{Reason: exit.ReasonNone, PnLPct: 8}))
}

func TestObjectiveEntryTrigger(t *testing.T) {
	g := New(testConfig(), nil, nil)
	good := Liquidity{SpreadBps: 200, Volume: 500, OpenInterest: 300, Delta: f64(-0.45), Theta: f64(-0.05)}
	ok, _ := g.ObjectiveEntryTrigger(good)
	assert.True(t, ok)

	wide := good
	wide.SpreadBps = 600
	ok, why := g.ObjectiveEntryTrigger(wide)
	assert.False(t, ok)
	assert.Contains(t, why, "spread")

	deep := good
	deep.Delta = f64(0.9)
	ok, _ = g.ObjectiveEntryTrigger(deep)
	assert.False(t, ok)

	decay := good
	decay.Theta = f64(-0.2)
	ok, _ = g.ObjectiveEntryTrigger(decay)
	assert.False(t, ok)

	noGreeks := Liquidity{SpreadBps: 100, Volume: 100, OpenInterest: 50}
	ok, _ = g.ObjectiveEntryTrigger(noGreeks)
	assert.True(t, ok)
}

func TestDualGate_NeverPassesBelowMinConfidence(t *testing.T) {
	g := New(testConfig(), nil, nil)
	actions := []decision.Action{decision.ActionSell, decision.ActionApprove, decision.ActionHold, decision.ActionWait}
	for _, a := range actions {
		for _, objective := range []bool{true, false} {
			ok, _ := g.DualGate(a, 0.59, objective)
			assert.False(t, ok, "%s objective=%v", a, objective)
		}
	}

	ok, _ := g.DualGate(decision.ActionSell, 0.9, false)
	assert.False(t, ok)
	ok, _ = g.DualGate(decision.ActionSell, 0.6, true)
	assert.True(t, ok)
	ok, _ = g.DualGate(decision.ActionHold, 0.8, false)
	assert.True(t, ok, "non-actionable needs only confidence")
}
