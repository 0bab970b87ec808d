package app

import (
	"context"
	"fmt"
	"time"

	"optguard/internal/agent"
	"optguard/internal/agent/interfaces"
	"optguard/internal/agent/ports"
	"optguard/internal/config"
	"optguard/internal/decision"
	"optguard/internal/gateway/notifier"
	"optguard/internal/gateway/provider"
	"optguard/internal/logger"
	"optguard/internal/metrics"
	"optguard/internal/pkg/circuit"
	"optguard/internal/ratelimit"
	"optguard/internal/safety/gate"
	"optguard/internal/safety/killswitch"
	"optguard/internal/store"
	"optguard/internal/strategy/exit"

	"github.com/shopspring/decimal"
)

type AppBuilder struct {
	cfg *config.Config

	providersFn     func(config.AIConfig) provider.Set
	decisionStoreFn func(string) (store.DecisionStore, error)
	haltStoreFn     func(string) (store.HaltEventStore, error)
	notifierFn      func(config.NotifyConfig) notifier.TextNotifier

	positions ports.PositionSource
	market    ports.MarketDataProvider
	executor  ports.OrderExecutor
}

type AppBuilderOption func(*AppBuilder)

// WithProviders 替换模型提供方的构建方式，测试中注入假的提供方。
func WithProviders(fn func(config.AIConfig) provider.Set) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.providersFn = fn
		}
	}
}

// WithMonitorPorts 提供持仓、行情与下单实现后才会启用监控循环；executor 可为 nil。
func WithMonitorPorts(positions ports.PositionSource, market ports.MarketDataProvider, executor ports.OrderExecutor) AppBuilderOption {
	return func(b *AppBuilder) {
		b.positions = positions
		b.market = market
		b.executor = executor
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:             cfg,
		providersFn:     provider.BuildFromConfig,
		decisionStoreFn: openDecisionStore,
		haltStoreFn:     openHaltStore,
		notifierFn:      buildTextSink,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (app *App, err error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	app = &App{cfg: cfg, metrics: metrics.New()}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()
	m := app.metrics

	decisions, err := b.decisionStoreFn(cfg.Store.DecisionDBPath)
	if err != nil {
		return nil, fmt.Errorf("open decision store: %w", err)
	}
	if decisions != nil {
		app.closers = append(app.closers, func() { _ = decisions.Close() })
	}
	haltEvents, err := b.haltStoreFn(cfg.Store.HaltDBPath)
	if err != nil {
		return nil, fmt.Errorf("open halt event store: %w", err)
	}
	var ksOpts []killswitch.Option
	if haltEvents != nil {
		app.closers = append(app.closers, func() { _ = haltEvents.Close() })
		ksOpts = append(ksOpts, killswitch.WithRecorder(haltEvents))
	}

	ks := killswitch.New(cfg.KillSwitch.Path, ksOpts...)
	ks.OnChange(func(st killswitch.State) { m.SetKillSwitch(st.Active) })
	m.SetKillSwitch(ks.IsActive())
	app.killSwitch = ks

	breaker := circuit.NewBreaker("trading", circuit.Config{
		MaxConsecutiveLosses: cfg.CircuitBreaker.MaxConsecutiveLosses,
		MaxDailyLoss:         decimal.NewFromFloat(cfg.CircuitBreaker.MaxDailyLossUSD),
		Cooldown:             time.Duration(cfg.CircuitBreaker.CooldownMinutes) * time.Minute,
	})
	breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
		logger.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		m.SetBreakerOpen(to == circuit.StateOpen)
	})

	exitCfg, err := exit.ConfigFrom(cfg.Exit)
	if err != nil {
		return nil, fmt.Errorf("exit config: %w", err)
	}
	tracker := exit.NewTracker(exitCfg)
	g := gate.New(gate.ConfigFrom(cfg.Decision, cfg.Exit, cfg.Entry), ks, breaker)
	interval := time.Duration(cfg.Monitor.IntervalSeconds) * time.Second
	guard := ratelimit.NewGuard(cfg.RateLimit.Cooldown(), cfg.RateLimit.MaxCallsPerCycle, interval)

	prompts, err := decision.LoadPrompts(cfg.AI.PromptsPath)
	if err != nil {
		return nil, err
	}
	set := b.providersFn(cfg.AI)
	ensemble, err := decision.NewEnsemble(
		decision.EnsembleConfigFrom(cfg.AI, cfg.Decision),
		set,
		prompts,
		decision.MajorityAggregator{
			MinConfidence:           cfg.AI.MinVoteConfidence,
			SingleVoteMinConfidence: cfg.AI.SingleVoteMinConfidence,
		},
		decision.WithObserver(m),
	)
	if err != nil {
		return nil, fmt.Errorf("build ensemble: %w", err)
	}

	var publisher interfaces.Publisher
	if sink := b.notifierFn(cfg.Notify); sink != nil {
		async := newAsyncPublisher(sink, cfg.Notify, m)
		app.closers = append(app.closers, async.Close)
		publisher = async
	}

	orch, err := agent.NewOrchestrator(agent.OrchestratorParams{
		Tracker: tracker,
		Gate:    g,
		Guard:   guard,
		Decider: ensemble,
		Breaker: breaker,
		Auditor: agent.NewAuditor(publisher, decisions, m),
	})
	if err != nil {
		return nil, err
	}
	app.orchestrator = orch

	if b.positions != nil && b.market != nil {
		app.monitor, err = agent.NewMonitor(agent.MonitorParams{
			Orchestrator: orch,
			Positions:    b.positions,
			Market:       b.market,
			Executor:     b.executor,
			Halt:         ks,
			HaltBehavior: cfg.Decision.KillSwitchBehavior,
			Interval:     interval,
			FillTimeout:  time.Duration(cfg.Monitor.FillTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
	} else {
		logger.Infof("monitor loop disabled: no position source or market data configured")
	}

	app.httpServer, err = buildHTTPServer(cfg.App, orch, ks, breaker, decisions, haltEvents, m)
	if err != nil {
		return nil, err
	}

	app.Summary = buildSummary(cfg, ensemble.VoterIDs(), set.Backup, publisher != nil, app.monitor != nil)
	logger.Infof("✓ optguard ready: %d voters, kill switch %s", len(ensemble.VoterIDs()), ks.Path())
	return app, nil
}

type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppFromBuilder(b appBuilderDeps, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}

func provideAppBuilder(cfg *config.Config, opts []AppBuilderOption) *AppBuilder {
	return NewAppBuilder(cfg, opts...)
}
