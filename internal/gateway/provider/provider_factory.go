package provider

import (
	"time"

	"optguard/internal/config"
	"optguard/internal/logger"
)

// Set 是按配置构建的提供方集合：参与投票的与备份的。
type Set struct {
	Voters []ModelProvider
	Backup ModelProvider
}

// BuildFromConfig 为每个模型条目创建客户端；未启用的条目只在被指定为备份时构建。
func BuildFromConfig(ai config.AIConfig) Set {
	retry := RetryConfig{
		MaxRetries: ai.MaxRetries,
		Initial:    time.Duration(ai.RetryInitialMS) * time.Millisecond,
		Max:        time.Duration(ai.RetryMaxMS) * time.Millisecond,
	}
	var set Set
	for _, m := range ai.ResolveModelConfigs() {
		isBackup := m.ID == ai.BackupModel
		if !m.Enabled && !isBackup {
			continue
		}
		client := NewOpenAIChatClient(m.APIURL, m.APIKey, m.Model, m.Headers, ai.CallTimeout(), retry)
		p := NewOpenAIModelProvider(m.ID, m.Enabled, client)
		if m.Enabled {
			set.Voters = append(set.Voters, p)
		}
		if isBackup {
			set.Backup = p
		}
	}
	if set.Backup == nil && ai.BackupModel != "" {
		logger.Warnf("backup model %s not built; malformed replies will not be escalated", ai.BackupModel)
	}
	return set
}
