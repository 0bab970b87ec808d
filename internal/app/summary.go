package app

import (
	"fmt"
	"strings"

	"optguard/internal/config"
	"optguard/internal/gateway/provider"
)

type StartupSummary struct {
	Voters        []string
	Backup        string
	FastPath      string
	MinConfidence float64
	HaltBehavior  string
	KillSwitch    string
	RateLimit     string
	Notifications bool
	Monitor       bool
	DecisionStore string
	HaltStore     string
	HTTPAddr      string
}

func buildSummary(cfg *config.Config, voters []string, backup provider.ModelProvider, notify, monitor bool) *StartupSummary {
	s := &StartupSummary{
		Voters:        voters,
		Backup:        "-",
		FastPath:      "disabled",
		MinConfidence: cfg.Decision.MinConfidence,
		HaltBehavior:  cfg.Decision.KillSwitchBehavior,
		KillSwitch:    cfg.KillSwitch.Path,
		RateLimit:     fmt.Sprintf("%ds per symbol, %d calls per cycle", cfg.RateLimit.PerSymbolSeconds, cfg.RateLimit.MaxCallsPerCycle),
		Notifications: notify,
		Monitor:       monitor,
		DecisionStore: orDash(cfg.Store.DecisionDBPath),
		HaltStore:     orDash(cfg.Store.HaltDBPath),
		HTTPAddr:      orDash(cfg.App.HTTPAddr),
	}
	if backup != nil {
		s.Backup = backup.ID()
	}
	if fp := cfg.AI.FastPath; fp.Enabled {
		s.FastPath = fmt.Sprintf("conf>%.2f within %s, wait %s", fp.MinConfidence, fp.Budget(), fp.SecondaryWait())
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[集成投票 (ENSEMBLE)]")
	fmt.Printf("  投票模型: %s\n", formatList(s.Voters))
	fmt.Printf("  备份模型: %s\n", s.Backup)
	fmt.Printf("  快速通道: %s\n", s.FastPath)
	fmt.Println()

	fmt.Println("[安全闸门 (SAFETY)]")
	fmt.Printf("  最低置信度: %.2f\n", s.MinConfidence)
	fmt.Printf("  急停行为: %s\n", s.HaltBehavior)
	fmt.Printf("  急停文件: %s\n", s.KillSwitch)
	fmt.Printf("  限流: %s\n", s.RateLimit)
	fmt.Println()

	fmt.Println("[服务 (SERVICES)]")
	fmt.Printf("  HTTP: %s\n", s.HTTPAddr)
	fmt.Printf("  通知: %s\n", onOff(s.Notifications))
	fmt.Printf("  监控循环: %s\n", onOff(s.Monitor))
	fmt.Printf("  决策审计库: %s\n", s.DecisionStore)
	fmt.Printf("  急停历史库: %s\n", s.HaltStore)
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
