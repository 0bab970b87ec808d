package app

import (
	"context"
	"fmt"

	"optguard/internal/agent"
	"optguard/internal/config"
	"optguard/internal/logger"
	"optguard/internal/metrics"
	"optguard/internal/safety/killswitch"
	livehttp "optguard/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP、急停监听与监控循环。
type App struct {
	cfg          *config.Config
	orchestrator *agent.Orchestrator
	killSwitch   *killswitch.KillSwitch
	monitor      *agent.Monitor
	httpServer   *livehttp.Server
	metrics      *metrics.Metrics
	closers      []func()
	Summary      *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, opts)
}

// Run 启动各项服务，直到 ctx 结束或任一服务出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.orchestrator == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	if a.httpServer != nil {
		group.Go(func() error {
			if err := a.httpServer.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return a.killSwitch.Watch(ctx, a.cfg.KillSwitch.PollInterval(), a.cfg.KillSwitch.Watch)
	})
	if a.monitor != nil {
		group.Go(func() error {
			if err := a.monitor.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("monitor error: %w", err)
			}
			return nil
		})
	}
	return group.Wait()
}

// Close 按构建的逆序释放资源，可重复调用。
func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) Orchestrator() *agent.Orchestrator { return a.orchestrator }

func (a *App) KillSwitch() *killswitch.KillSwitch { return a.killSwitch }

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// HTTPServer 在测试中配合 httptest 使用。
func (a *App) HTTPServer() *livehttp.Server { return a.httpServer }
