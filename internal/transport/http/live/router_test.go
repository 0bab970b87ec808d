package livehttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"optguard/internal/agent"
	"optguard/internal/decision"
	"optguard/internal/pkg/circuit"
	"optguard/internal/safety/killswitch"
	"optguard/internal/store"
	"optguard/internal/strategy/exit"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) DecideExit(ctx context.Context, req agent.ExitRequest) (agent.ExitDecision, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(agent.ExitDecision), args.Error(1)
}

func (m *MockService) DecideEntry(ctx context.Context, req agent.EntryRequest) (agent.EntryDecision, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(agent.EntryDecision), args.Error(1)
}

func (m *MockService) ResetCycle() { m.Called() }

func (m *MockService) ClosePosition(key exit.PositionKey, pnl decimal.Decimal) bool {
	return m.Called(key, pnl).Bool(0)
}

func (m *MockService) Positions() []exit.PositionState { return nil }

func (m *MockService) Stats() agent.Stats {
	return agent.Stats{Counters: map[string]int64{"exit_calls_total": 3}, ScanBudget: 10}
}

type stubDecisions struct {
	records []store.DecisionRecord
	lastQ   store.DecisionQuery
}

func (s *stubDecisions) InsertDecision(context.Context, store.DecisionRecord) error { return nil }

func (s *stubDecisions) ListDecisions(_ context.Context, q store.DecisionQuery) ([]store.DecisionRecord, error) {
	s.lastQ = q
	return s.records, nil
}

func (s *stubDecisions) GetDecision(_ context.Context, traceID string) (store.DecisionRecord, error) {
	for _, r := range s.records {
		if r.TraceID == traceID {
			return r, nil
		}
	}
	return store.DecisionRecord{}, store.ErrNotFound
}

func (s *stubDecisions) Close() error { return nil }

type testEnv struct {
	srv       *Server
	svc       *MockService
	ks        *killswitch.KillSwitch
	breaker   *circuit.Breaker
	decisions *stubDecisions
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		svc:     &MockService{},
		ks:      killswitch.New(filepath.Join(t.TempDir(), "EMERGENCY_STOP.txt")),
		breaker: circuit.NewBreaker("api", circuit.Config{MaxConsecutiveLosses: 1, Cooldown: time.Hour}),
		decisions: &stubDecisions{records: []store.DecisionRecord{
			{TraceID: "t-1", Kind: "exit", Symbol: "SPY", Action: "SELL"},
		}},
	}
	srv, err := NewServer(ServerConfig{
		Orchestrator: env.svc,
		KillSwitch:   env.ks,
		Breaker:      env.breaker,
		Decisions:    env.decisions,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("optguard_up 1\n"))
		}),
	})
	require.NoError(t, err)
	env.srv = srv
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer_RequiresCoreDependencies(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "desk-42")
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "desk-42", rec.Header().Get("X-Request-ID"))

	rec = env.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "optguard_up 1")
}

func TestKillSwitchEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/killswitch/activate", `{"reason":"desk halt","monitor_only":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Changed bool              `json:"changed"`
		Status  killswitch.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Changed)
	assert.True(t, resp.Status.Active)
	assert.True(t, resp.Status.MonitorOnly)
	assert.Equal(t, "desk halt", resp.Status.Reason)
	assert.Equal(t, killswitch.SourceManual, resp.Status.Source)

	rec = env.do(http.MethodPost, "/api/killswitch/activate", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Changed)

	rec = env.do(http.MethodGet, "/api/killswitch", "")
	assert.Contains(t, rec.Body.String(), `"active":true`)

	rec = env.do(http.MethodPost, "/api/killswitch/deactivate", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Changed)
	assert.False(t, env.ks.IsActive())

	rec = env.do(http.MethodGet, "/api/killswitch/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDecideExitEndpoint(t *testing.T) {
	env := newTestEnv(t)
	defer env.svc.AssertExpectations(t)
	env.svc.On("DecideExit", mock.Anything, mock.MatchedBy(func(r agent.ExitRequest) bool {
		return r.Position.Symbol == "SPY" && r.Position.Side == exit.SideCall && r.OptionPrice == 1.55
	})).Return(agent.ExitDecision{TraceID: "t-9", Action: decision.ActionSell, Confidence: 0.8}, nil).Once()
	env.svc.On("DecideExit", mock.Anything, mock.Anything).
		Return(agent.ExitDecision{}, errors.Join(decision.ErrAllProvidersFailed, errors.New("gpt: 503"))).Once()

	body := `{"position":{"symbol":"SPY","strike":628,"side":"CALL","entry_price":1.42,"entry_time":"2025-08-04T13:55:00Z","quantity":2},"stock_price":630,"option_price":1.55}`
	rec := env.do(http.MethodPost, "/api/decide/exit", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var out agent.ExitDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, decision.ActionSell, out.Action)
	assert.Equal(t, "t-9", out.TraceID)

	rec = env.do(http.MethodPost, "/api/decide/exit", body)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = env.do(http.MethodPost, "/api/decide/exit", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecideEntryEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.svc.On("DecideEntry", mock.Anything, mock.Anything).Return(agent.EntryDecision{}, errors.New("entry symbol is required"))
	rec := env.do(http.MethodPost, "/api/decide/entry", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "symbol is required")
}

func TestPositionsAndCycle(t *testing.T) {
	env := newTestEnv(t)
	entry := time.Date(2025, 8, 4, 13, 55, 0, 0, time.UTC)
	key := exit.Position{Symbol: "SPY", Strike: 628, Side: exit.SideCall, EntryTime: entry}.Key()
	env.svc.On("ClosePosition", key, mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(decimal.RequireFromString("-24.50"))
	})).Return(true).Once()
	env.svc.On("ResetCycle").Once()

	rec := env.do(http.MethodPost, "/api/positions/close",
		`{"symbol":"spy","strike":628,"side":"c","entry_time":"2025-08-04T13:55:00Z","realized_pnl":"-24.50"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"removed":true`)
	assert.Contains(t, rec.Body.String(), "SPY_628.00_CALL_2025-08-04T13:55:00Z")

	rec = env.do(http.MethodPost, "/api/positions/close", `{"symbol":"SPY","side":"straddle","entry_time":"2025-08-04T13:55:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/cycle/reset", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/stats", "")
	assert.Contains(t, rec.Body.String(), `"exit_calls_total":3`)
	env.svc.AssertExpectations(t)
}

func TestDecisionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/decisions?symbol=SPY&kind=exit&limit=5&offset=-3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.DecisionQuery{Symbol: "SPY", Kind: "exit", Limit: 5}, env.decisions.lastQ)
	assert.Contains(t, rec.Body.String(), `"trace_id":"t-1"`)

	rec = env.do(http.MethodGet, "/api/decisions/t-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodGet, "/api/decisions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCircuitEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.breaker.RecordOutcome(decimal.NewFromInt(-10))
	require.False(t, env.breaker.Allow())

	rec := env.do(http.MethodGet, "/api/circuit", "")
	assert.Contains(t, rec.Body.String(), `"state":"OPEN"`)

	rec = env.do(http.MethodPost, "/api/circuit/reset", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.breaker.Allow())
}

func TestAdminPage(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/admin/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Kill switch")

	rec = env.do(http.MethodGet, "/admin/admin.js", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))

	rec = env.do(http.MethodGet, "/admin/missing.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewServer_DefaultsToLoopback(t *testing.T) {
	srv, err := NewServer(ServerConfig{
		Orchestrator: &MockService{},
		KillSwitch:   killswitch.New(filepath.Join(t.TempDir(), "EMERGENCY_STOP.txt")),
	})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9991", srv.Addr())
}

func TestAdminTokenGuardsWrites(t *testing.T) {
	ks := killswitch.New(filepath.Join(t.TempDir(), "EMERGENCY_STOP.txt"))
	srv, err := NewServer(ServerConfig{
		Orchestrator: &MockService{},
		KillSwitch:   ks,
		AdminToken:   "s3cret",
	})
	require.NoError(t, err)
	require.True(t, ks.Activate("desk halt", killswitch.SourceManual, false))

	send := func(method, path string, header http.Header) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := send(http.MethodPost, "/api/killswitch/deactivate", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"admin token required"}`, rec.Body.String())
	assert.True(t, ks.IsActive())

	rec = send(http.MethodPost, "/api/killswitch/deactivate", http.Header{"X-Admin-Token": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, ks.IsActive())

	rec = send(http.MethodGet, "/api/killswitch", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads stay open")

	rec = send(http.MethodPost, "/api/killswitch/deactivate", http.Header{"X-Admin-Token": {"s3cret"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ks.IsActive())

	require.True(t, ks.Activate("again", killswitch.SourceManual, false))
	rec = send(http.MethodPost, "/api/killswitch/deactivate", http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ks.IsActive())

	rec = send(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
