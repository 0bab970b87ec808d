package app

import (
	"fmt"
	"net"
	"strings"

	"optguard/internal/config"
	"optguard/internal/gateway/notifier"
	"optguard/internal/logger"
	"optguard/internal/metrics"
	"optguard/internal/pkg/circuit"
	"optguard/internal/safety/killswitch"
	"optguard/internal/store"
	"optguard/internal/store/gormstore"
	"optguard/internal/store/haltlog"
	livehttp "optguard/internal/transport/http/live"
)

// openDecisionStore 路径为空时关闭审计库。
func openDecisionStore(path string) (store.DecisionStore, error) {
	if strings.TrimSpace(path) == "" {
		logger.Warnf("decision audit store disabled: store.decision_db_path is empty")
		return nil, nil
	}
	st, err := gormstore.NewGormStore(path)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func openHaltStore(path string) (store.HaltEventStore, error) {
	if strings.TrimSpace(path) == "" {
		logger.Warnf("halt event log disabled: store.halt_db_path is empty")
		return nil, nil
	}
	st, err := haltlog.Open(path)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// buildTextSink 汇总已启用的通知渠道，一个都没有时返回 nil。
func buildTextSink(cfg config.NotifyConfig) notifier.TextNotifier {
	var sinks notifier.Multi
	if cfg.Telegram.Enabled {
		sinks = append(sinks, notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
	}
	if cfg.Slack.Enabled {
		sinks = append(sinks, notifier.NewSlack(cfg.Slack.WebhookURL))
	}
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	default:
		return sinks
	}
}

func newAsyncPublisher(sink notifier.TextNotifier, cfg config.NotifyConfig, m *metrics.Metrics) *notifier.AsyncPublisher {
	return notifier.NewAsyncPublisher(sink, cfg.Workers, cfg.QueueSize,
		notifier.WithDropHook(m.IncNotificationDropped))
}

func buildHTTPServer(cfg config.AppConfig, orch livehttp.DecisionService, ks *killswitch.KillSwitch, breaker *circuit.Breaker,
	decisions store.DecisionStore, haltEvents store.HaltEventStore, m *metrics.Metrics) (*livehttp.Server, error) {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		logger.Infof("http server disabled: app.http_addr is empty")
		return nil, nil
	}
	server, err := livehttp.NewServer(livehttp.ServerConfig{
		Addr:         cfg.HTTPAddr,
		Orchestrator: orch,
		KillSwitch:   ks,
		Breaker:      breaker,
		Decisions:    decisions,
		HaltEvents:   haltEvents,
		Metrics:      m.Handler(),
		AdminToken:   strings.TrimSpace(cfg.AdminToken),
	})
	if err != nil {
		return nil, fmt.Errorf("init http server failed: %w", err)
	}
	if strings.TrimSpace(cfg.AdminToken) == "" && !loopbackAddr(cfg.HTTPAddr) {
		logger.Warnf("admin api on %s has no admin_token: anyone who can reach it may clear the kill switch", cfg.HTTPAddr)
	}
	logger.Infof("✓ HTTP 接口监听 %s", server.Addr())
	return server, nil
}

func loopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
