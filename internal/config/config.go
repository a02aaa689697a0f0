package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 是 feedcog 的顶层配置结构。
type Config struct {
	Discord  DiscordConfig  `yaml:"discord"`
	Database DatabaseConfig `yaml:"database"`
	RSS      RSSConfig      `yaml:"rss"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// DiscordConfig 机器人连接配置。
type DiscordConfig struct {
	Token   string `yaml:"token"`
	Prefix  string `yaml:"prefix"`
	OwnerID string `yaml:"owner_id"`
}

// DatabaseConfig SQLite 数据库配置。
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RSSConfig 订阅轮询配置。
type RSSConfig struct {
	// FetchTimeout 单次抓取的总超时（秒）。
	FetchTimeout int    `yaml:"fetch_timeout"`
	UserAgent    string `yaml:"user_agent"`

	// PassBudget 队列较小时一轮轮询加等待的总时长（秒）。
	PassBudget int `yaml:"pass_budget"`
	// DrainBudget 队列较大时把一轮工作摊开的总时长（秒）。
	DrainBudget int `yaml:"drain_budget"`
	// QueueThreshold 区分两种节奏的队列长度阈值。
	QueueThreshold int `yaml:"queue_threshold"`
	// ItemDelay 队列较小时每个订阅之间的间隔（秒）。
	ItemDelay int `yaml:"item_delay"`
	// RestartDelay 调度循环异常退出后重启前的等待（秒）。
	RestartDelay int `yaml:"restart_delay"`

	HostIntervalMs   int      `yaml:"host_interval_ms"`
	ImageProbeBytes  int      `yaml:"image_probe_bytes"`
	MaxMessageLength int      `yaml:"max_message_length"`
	MaxEmbedLength   int      `yaml:"max_embed_length"`
	DefaultTemplate  string   `yaml:"default_template"`
	TimeOverrides    []string `yaml:"time_overrides"`
}

// MetricsConfig Prometheus 指标端点配置。
type MetricsConfig struct {
	// Addr 为空则不启动指标端点。
	Addr string `yaml:"addr"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// envPattern 只展开 ${VAR}，模板中的 $title 等标签保持原样。
var envPattern = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// Load 读取 YAML 配置文件并返回 Config。
// 支持 ${VAR_NAME} 形式的环境变量展开。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}
	return Parse(data)
}

// Parse 解析 YAML 配置内容。
func Parse(data []byte) (*Config, error) {
	expanded := envPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	setDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	r := c.RSS
	for _, f := range []struct {
		name  string
		value int
	}{
		{"fetch_timeout", r.FetchTimeout},
		{"pass_budget", r.PassBudget},
		{"drain_budget", r.DrainBudget},
		{"queue_threshold", r.QueueThreshold},
		{"item_delay", r.ItemDelay},
		{"restart_delay", r.RestartDelay},
		{"image_probe_bytes", r.ImageProbeBytes},
	} {
		if f.value < 0 {
			return fmt.Errorf("rss.%s 不能为负数: %d", f.name, f.value)
		}
	}
	if c.RSS.DrainBudget > c.RSS.PassBudget {
		return fmt.Errorf("rss.drain_budget (%d) 不能大于 rss.pass_budget (%d)", c.RSS.DrainBudget, c.RSS.PassBudget)
	}
	if c.RSS.MaxMessageLength > 2000 {
		return fmt.Errorf("rss.max_message_length 不能超过 2000")
	}
	if c.RSS.MaxEmbedLength > 4096 {
		return fmt.Errorf("rss.max_embed_length 不能超过 4096")
	}
	return nil
}

// setDefaults 为未设置的配置项填充默认值。
func setDefaults(cfg *Config) {
	if cfg.Discord.Prefix == "" {
		cfg.Discord.Prefix = "!"
	}
	cfg.Discord.Token = strings.TrimSpace(cfg.Discord.Token)

	if cfg.Database.Path == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			cfg.Database.Path = filepath.Join(home, ".feedcog", "feedcog.db")
		} else {
			cfg.Database.Path = "./feedcog.db"
		}
	} else if strings.HasPrefix(cfg.Database.Path, "~/") {
		// Go 不会自动展开 ~
		home, _ := os.UserHomeDir()
		if home != "" {
			cfg.Database.Path = filepath.Join(home, cfg.Database.Path[2:])
		}
	}

	r := &cfg.RSS
	if r.FetchTimeout == 0 {
		r.FetchTimeout = 20
	}
	if r.UserAgent == "" {
		r.UserAgent = "feedcog/1.0 (+https://github.com/iabetor/feedcog)"
	}
	if r.PassBudget == 0 {
		r.PassBudget = 300
	}
	if r.DrainBudget == 0 {
		r.DrainBudget = 290
	}
	if r.QueueThreshold == 0 {
		r.QueueThreshold = 300
	}
	if r.ItemDelay == 0 {
		r.ItemDelay = 1
	}
	if r.RestartDelay == 0 {
		r.RestartDelay = 30
	}
	if r.HostIntervalMs == 0 {
		r.HostIntervalMs = 500
	}
	if r.ImageProbeBytes == 0 {
		r.ImageProbeBytes = 512
	}
	if r.MaxMessageLength == 0 {
		r.MaxMessageLength = 2000
	}
	if r.MaxEmbedLength == 0 {
		r.MaxEmbedLength = 4096
	}
	if r.DefaultTemplate == "" {
		r.DefaultTemplate = "$title\n$link"
	}
	for i, d := range r.TimeOverrides {
		r.TimeOverrides[i] = strings.ToLower(strings.TrimSpace(d))
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}
