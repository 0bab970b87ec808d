package decision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"optguard/internal/gateway/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sell90 = `{"action":"SELL","confidence":0.9,"reason":"target hit"}`
	sell80 = `{"action":"SELL","confidence":0.8,"reason":"fading"}`
	hold70 = `{"action":"HOLD","confidence":0.7,"reason":"trend intact"}`
	hold80 = `{"action":"HOLD","confidence":0.8,"reason":"volume ok"}`
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (r *recordingObserver) ObserveProviderCall(id, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string][]string{}
	}
	r.outcomes[id] = append(r.outcomes[id], outcome)
}

func testEnsembleConfig() EnsembleConfig {
	return EnsembleConfig{
		Deadline: 2 * time.Second,
		ExitBias: "balanced",
		FastPath: FastPathConfig{
			Enabled:       true,
			MinConfidence: 0.85,
			Budget:        time.Second,
			SecondaryWait: 500 * time.Millisecond,
		},
	}
}

func newTestEnsemble(t *testing.T, cfg EnsembleConfig, set provider.Set, opts ...EnsembleOption) *Ensemble {
	t.Helper()
	e, err := NewEnsemble(cfg, set, nil, MajorityAggregator{MinConfidence: 0.3, SingleVoteMinConfidence: 0.75}, opts...)
	require.NoError(t, err)
	return e
}

func exitPayload() Payload {
	return Payload{Kind: KindExit, Symbol: "SPY", TraceID: "trace", Context: map[string]any{"pnl_pct": 20}}
}

func TestEnsemble_NoProviders(t *testing.T) {
	disabled := newFake("a", sell90, 0)
	disabled.enabled = false
	_, err := NewEnsemble(testEnsembleConfig(), provider.Set{Voters: []provider.ModelProvider{disabled}}, nil, nil)
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestEnsemble_FastPathWithAgreement(t *testing.T) {
	a := newFake("a", sell90, 0)
	b := newFake("b", sell80, 50*time.Millisecond)
	c := newFake("c", hold70, 1500*time.Millisecond)
	e := newTestEnsemble(t, testEnsembleConfig(), provider.Set{Voters: []provider.ModelProvider{a, b, c}})

	start := time.Now()
	res, err := e.Decide(context.Background(), exitPayload())
	require.NoError(t, err)
	assert.True(t, res.FastPath)
	assert.Equal(t, ActionSell, res.Action)
	assert.InDelta(t, 0.85, *res.Confidence, 1e-9)
	assert.Len(t, res.Votes, 2)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEnsemble_FastPathSecondaryWaitExpires(t *testing.T) {
	cfg := testEnsembleConfig()
	cfg.FastPath.SecondaryWait = 50 * time.Millisecond
	a := newFake("a", sell90, 0)
	b := newFake("b", hold70, time.Second)
	c := newFake("c", hold80, time.Second)
	e := newTestEnsemble(t, cfg, provider.Set{Voters: []provider.ModelProvider{a, b, c}})

	res, err := e.Decide(context.Background(), exitPayload())
	require.NoError(t, err)
	assert.True(t, res.FastPath)
	assert.Equal(t, ActionSell, res.Action)
	assert.InDelta(t, 0.9, *res.Confidence, 1e-9)
	assert.Len(t, res.Votes, 1)
}

func TestEnsemble_FastPathIgnoresVoteBelowThreshold(t *testing.T) {
	weak := `{"action":"SELL","confidence":0.1,"reason":"unsure"}`
	run := func(fastPath bool) Result {
		cfg := testEnsembleConfig()
		cfg.FastPath.Enabled = fastPath
		a := newFake("a", sell90, 0)
		b := newFake("b", weak, 30*time.Millisecond)
		e := newTestEnsemble(t, cfg, provider.Set{Voters: []provider.ModelProvider{a, b}})
		res, err := e.Decide(context.Background(), exitPayload())
		require.NoError(t, err)
		return res
	}

	fast := run(true)
	assert.True(t, fast.FastPath)
	assert.Equal(t, ActionSell, fast.Action)
	assert.InDelta(t, 0.9, *fast.Confidence, 1e-9)
	assert.Len(t, fast.Votes, 1)

	full := run(false)
	assert.False(t, full.FastPath)
	assert.Equal(t, ActionSell, full.Action)
	assert.InDelta(t, *full.Confidence, *fast.Confidence, 1e-9)
}

func TestEnsemble_WeakDisagreementKeepsFastPath(t *testing.T) {
	weakHold := `{"action":"HOLD","confidence":0.2,"reason":"maybe"}`
	a := newFake("a", sell90, 0)
	b := newFake("b", weakHold, 20*time.Millisecond)
	c := newFake("c", sell80, 60*time.Millisecond)
	e := newTestEnsemble(t, testEnsembleConfig(), provider.Set{Voters: []provider.ModelProvider{a, b, c}})

	res, err := e.Decide(context.Background(), exitPayload())
	require.NoError(t, err)
	assert.True(t, res.FastPath)
	assert.Equal(t, ActionSell, res.Action)
	assert.InDelta(t, 0.85, *res.Confidence, 1e-9)
	require.Len(t, res.Votes, 2)
	assert.Equal(t, "c", res.Votes[1].ProviderID)
}

func TestEnsemble_DisagreementFallsBackToMajority(t *testing.T) {
	a := newFake("a", sell90, 0)
	b := newFake("b", hold70, 30*time.Millisecond)
	c := newFake("c", hold80, 60*time.Millisecond)
	e := newTestEnsemble(t, testEnsembleConfig(), provider.Set{Voters: []provider.ModelProvider{a, b, c}})

	res, err := e.Decide(context.Background(), exitPayload())
	require.NoError(t, err)
	assert.False(t, res.FastPath)
	assert.Equal(t, ActionHold, res.Action)
	assert.InDelta(t, 0.75, *res.Confidence, 1e-9)
	assert.Contains(t, res.Reason, "majority (2/3)")
}

func TestEnsemble_FastPathDisabled(t *testing.T) {
	cfg := testEnsembleConfig()
	cfg.FastPath.Enabled = false
	a := newFake("a", sell90, 0)
	b := newFake("b", sell80, 20*time.Millisecond)
	e := newTestEnsemble(t, cfg, provider.Set{Voters: []provider.ModelProvider{a, b}})

	res, err := e.Decide(context.Background(), exitPayload())
	require.NoError(t, err)
	assert.False(t, res.FastPath)
	assert.Equal(t, ActionSell, res.Action)
	assert.Contains(t, res.Reason, "majority (2/2)")
}

func TestEnsemble_AllProvidersFailed(t *testing.T) {
	a := newFake("a", "", 0)
	a.err = errors.New("503")
	b := newFake("b", "", 0)
	b.panics = true
	e := newTestEnsemble(t, testEnsembleConfig(), provider.Set{Voters: []provider.ModelProvider{a, b}})

	res, err := e.Decide(context.Background(), exitPayload())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.ErrorIs(t, err, ErrProviderFailure)
	assert.ElementsMatch(t, []string{"a", "b"}, res.Failures)
}

func TestEnsemble_DeadlineWithoutResponses(t *testing.T) {
	cfg := testEnsembleConfig()
	cfg.Deadline = 50 * time.Millisecond
	a := newFake("a", sell90, time.Second)
	b := newFake("b", sell90, time.Second)
	e := newTestEnsemble(t, cfg, provider.Set{Voters: []provider.ModelProvider{a, b}})

	_, err := e.Decide(context.Background(), exitPayload())
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
}

func TestEnsemble_ParentCancelled(t *testing.T) {
	a := newFake("a", sell90, time.Second)
	b := newFake("b", sell90, time.Second)
	e := newTestEnsemble(t, testEnsembleConfig(), provider.Set{Voters: []provider.ModelProvider{a, b}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := e.Decide(ctx, exitPayload())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnsemble_MalformedEscalatesToBackup(t *testing.T) {
	obs := &recordingObserver{}
	a := newFake("a", "I would sell here", 0)
	b := newFake("b", hold70, 0)
	backup := newFake("backup", hold80, 0)
	cfg := testEnsembleConfig()
	cfg.FastPath.Enabled = false
	e := newTestEnsemble(t, cfg, provider.Set{Voters: []provider.ModelProvider{a, b}, Backup: backup}, WithObserver(obs))

	res, err := e.Decide(context.Background(), exitPayload())
	require.NoError(t, err)
	assert.Equal(t, ActionHold, res.Action)
	require.Len(t, res.Votes, 2)
	assert.Equal(t, "a", res.Votes[0].ProviderID)
	assert.True(t, res.Votes[0].Escalated)
	assert.Equal(t, int32(1), backup.calls.Load())
	assert.Equal(t, []string{OutcomeMalformed}, obs.outcomes["a"])
	assert.Equal(t, []string{OutcomeEscalated}, obs.outcomes["backup"])
}

func TestEnsemble_MalformedWithoutBackupCountsAsFailure(t *testing.T) {
	a := newFake("a", "garbage", 0)
	b := newFake("b", hold80, 0)
	c := newFake("c", hold70, 0)
	cfg := testEnsembleConfig()
	cfg.FastPath.Enabled = false
	e := newTestEnsemble(t, cfg, provider.Set{Voters: []provider.ModelProvider{a, b, c}})

	res, err := e.Decide(context.Background(), exitPayload())
	require.NoError(t, err)
	assert.Equal(t, ActionHold, res.Action)
	assert.Equal(t, []string{"a"}, res.Failures)
}

func TestEnsemble_SingleProviderPassThrough(t *testing.T) {
	a := newFake("a", `{"action":"SELL","confidence":0.4,"reason":"weak"}`, 0)
	e := newTestEnsemble(t, testEnsembleConfig(), provider.Set{Voters: []provider.ModelProvider{a}})

	res, err := e.Decide(context.Background(), exitPayload())
	require.NoError(t, err)
	assert.Equal(t, ActionSell, res.Action, "single provider bypasses the single-vote threshold")
	assert.InDelta(t, 0.4, *res.Confidence, 1e-9)

	a.err = errors.New("down")
	_, err = e.Decide(context.Background(), exitPayload())
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
}

func TestEnsemble_InvalidPayload(t *testing.T) {
	e := newTestEnsemble(t, testEnsembleConfig(), provider.Set{Voters: []provider.ModelProvider{newFake("a", sell90, 0)}})
	_, err := e.Decide(context.Background(), Payload{Kind: "bogus", Symbol: "SPY"})
	assert.Error(t, err)
}
