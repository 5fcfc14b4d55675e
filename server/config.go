package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"bomberman/game"
)

// Duration 让 yaml 里能直接写 "3s"、"1250ms" 这种形式
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config 服务端配置；零值字段回落到默认值
type Config struct {
	// ListenAddr 原生 TCP 客户端的监听地址
	ListenAddr string `yaml:"listen_addr"`
	// HTTPAddr WebSocket 网关与监控接口的监听地址
	HTTPAddr string `yaml:"http_addr"`
	// LogFile 滚动日志文件路径
	LogFile string `yaml:"log_file"`

	MaxPlayers int `yaml:"max_players"`

	// HeartbeatInterval 静默多久发探活包；再静默同样时长就断开
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	// CountdownSecs 大厅倒计时时长（秒）
	CountdownSecs int `yaml:"countdown_secs"`
	// ReadyThreshold 触发倒计时需要的就绪人数
	ReadyThreshold int `yaml:"ready_threshold"`

	GridWidth     int      `yaml:"grid_width"`
	GridHeight    int      `yaml:"grid_height"`
	PowerUpChance int      `yaml:"powerup_chance"`
	BombFuse      Duration `yaml:"bomb_fuse"`
	FireCleanup   Duration `yaml:"fire_cleanup"`
	InvincSecs    int      `yaml:"invincibility_secs"`
	ResetDelay    Duration `yaml:"reset_delay"`
}

// DefaultConfig 原版默认参数
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        ":5000",
		HTTPAddr:          ":8080",
		LogFile:           "bomberman.log",
		MaxPlayers:        8,
		HeartbeatInterval: Duration(10 * time.Second),
		CountdownSecs:     10,
		ReadyThreshold:    2,
		GridWidth:         15,
		GridHeight:        15,
		PowerUpChance:     25,
		BombFuse:          Duration(3 * time.Second),
		FireCleanup:       Duration(1250 * time.Millisecond),
		InvincSecs:        10,
		ResetDelay:        Duration(3 * time.Second),
	}
}

// LoadConfig 读取 yaml 配置文件，缺失字段用默认值补齐。
// path 为空时直接返回默认配置
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxPlayers < 1 || c.MaxPlayers > 8 {
		return fmt.Errorf("max_players must be in 1..8, got %d", c.MaxPlayers)
	}
	if c.GridWidth < 5 || c.GridHeight < 5 {
		return fmt.Errorf("grid must be at least 5x5, got %dx%d", c.GridWidth, c.GridHeight)
	}
	if c.ReadyThreshold < 2 {
		return fmt.Errorf("ready_threshold must be at least 2, got %d", c.ReadyThreshold)
	}
	return nil
}

// Rules 换算成对局规则
func (c *Config) Rules() game.Rules {
	return game.Rules{
		GridWidth:          c.GridWidth,
		GridHeight:         c.GridHeight,
		PowerUpChance:      c.PowerUpChance,
		BombFuse:           time.Duration(c.BombFuse),
		FireCleanup:        time.Duration(c.FireCleanup),
		InvincibilitySecs:  c.InvincSecs,
		GameOverResetDelay: time.Duration(c.ResetDelay),
	}
}
