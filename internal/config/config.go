package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	_ "time/tzdata"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "OPTGUARD_CONFIG"

// EnvPrefix 环境变量覆盖前缀，例如 OPTGUARD_NOTIFY_TELEGRAM_BOT_TOKEN。
const EnvPrefix = "OPTGUARD"

const defaultConfigPath = "configs/config.yaml"

// PathFromEnv 返回环境变量中的配置路径，未设置时使用默认路径。
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load 读取配置文件（按 include 顺序合并）、叠加环境变量、补默认值并校验。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	ld := &loader{visited: make(map[string]bool), active: make(map[string]bool)}
	if err := ld.walk(filepath.Clean(root)); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range ld.order {
		if err := v.MergeConfigMap(ld.settings[file]); err != nil {
			return nil, fmt.Errorf("merging config file failed (%s): %w", file, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	keys := make(keySet)
	for _, k := range v.AllKeys() {
		keys.mark(k)
	}
	cfg.applyDefaults(keys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loader 深度优先展开 include，被包含文件先于包含者合并。
type loader struct {
	order    []string
	settings map[string]map[string]any
	visited  map[string]bool
	active   map[string]bool
}

func (l *loader) walk(path string) error {
	if l.active[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if l.visited[path] {
		return nil
	}
	l.active[path] = true
	defer delete(l.active, path)

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	includes, err := includeList(v.Get("include"))
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := l.walk(filepath.Clean(inc)); err != nil {
			return err
		}
	}

	l.visited[path] = true
	if l.settings == nil {
		l.settings = make(map[string]map[string]any)
	}
	l.settings[path] = v.AllSettings()
	l.order = append(l.order, path)
	return nil
}

// includeList 接受单个字符串或字符串数组。
func includeList(raw any) ([]string, error) {
	var items []string
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		items = []string{val}
	case []string:
		items = val
	case []any:
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("include only supports strings, got %T", item)
			}
			items = append(items, s)
		}
	default:
		return nil, fmt.Errorf("include must be a string or string array")
	}
	out := items[:0:0]
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}
