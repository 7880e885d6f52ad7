package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，如 CDPFETCH_FETCH_NAVIGATIONTIMEOUT
const EnvPrefix = "CDPFETCH"

// DefaultUserAgent 固定的浏览器标识
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/94.0.4606.61 Safari/537.36"

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Browser   Browser   `yaml:"browser"`
	Workspace Workspace `yaml:"workspace"`
	Fetch     Fetch     `yaml:"fetch"`
	Sqlite    Sqlite    `yaml:"sqlite"`
	Log       Log       `yaml:"log"`
	Serve     Serve     `yaml:"serve"`
}

// Browser 浏览器启动策略
type Browser struct {
	Bin          string `yaml:"bin"`
	Download     bool   `yaml:"download"`
	Leakless     bool   `yaml:"leakless"`
	UserAgent    string `yaml:"userAgent"`
	WindowWidth  int    `yaml:"windowWidth"`
	WindowHeight int    `yaml:"windowHeight"`
	Lang         string `yaml:"lang"`
}

// Workspace 临时工作区
type Workspace struct {
	Base string `yaml:"base"`
}

// Fetch 各阶段超时
type Fetch struct {
	LaunchTimeout     time.Duration `yaml:"launchTimeout"`
	NavigationTimeout time.Duration `yaml:"navigationTimeout"`
	TeardownTimeout   time.Duration `yaml:"teardownTimeout"`
	RelayTimeout      time.Duration `yaml:"relayTimeout"`
	ProcessTimeout    time.Duration `yaml:"processTimeout"`
}

// Sqlite 流量捕获存储
type Sqlite struct {
	File   string `yaml:"file"`
	Prefix string `yaml:"prefix"`
}

// Log 日志配置
type Log struct {
	Level      string   `yaml:"level"`
	Writer     []string `yaml:"writer"`
	File       string   `yaml:"file"`
	MaxSizeMB  int      `yaml:"maxSizeMB"`
	MaxBackups int      `yaml:"maxBackups"`
}

// Serve HTTP 服务模式
type Serve struct {
	Addr        string `yaml:"addr"`
	MaxInflight int    `yaml:"maxInflight"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Browser: Browser{
			Bin:          "/opt/chrome/chrome",
			UserAgent:    DefaultUserAgent,
			WindowWidth:  1280,
			WindowHeight: 1696,
			Lang:         "en_US",
		},
		Workspace: Workspace{
			Base: os.TempDir(),
		},
		Fetch: Fetch{
			LaunchTimeout:     30 * time.Second,
			NavigationTimeout: 30 * time.Second,
			TeardownTimeout:   10 * time.Second,
			RelayTimeout:      25 * time.Second,
			ProcessTimeout:    3 * time.Second,
		},
		Sqlite: Sqlite{
			File:   "traffic.sqlite3",
			Prefix: "cdpfetch_",
		},
		Log: Log{
			Level:      "info",
			Writer:     []string{"console"},
			File:       "cdpfetch.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Serve: Serve{
			Addr:        ":8080",
			MaxInflight: 2,
		},
	}
}

// Load 读取配置：默认值 → YAML 文件（可选）→ 环境变量
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.Workspace.Base == "" {
		errs = append(errs, errors.New("workspace.base must not be empty"))
	}
	if c.Browser.WindowWidth <= 0 || c.Browser.WindowHeight <= 0 {
		errs = append(errs, fmt.Errorf("browser window must be positive, got %dx%d", c.Browser.WindowWidth, c.Browser.WindowHeight))
	}
	if c.Browser.UserAgent == "" {
		errs = append(errs, errors.New("browser.userAgent must not be empty"))
	}
	if c.Fetch.NavigationTimeout <= 0 {
		errs = append(errs, errors.New("fetch.navigationTimeout must be positive"))
	}
	if c.Fetch.LaunchTimeout <= 0 {
		errs = append(errs, errors.New("fetch.launchTimeout must be positive"))
	}
	if c.Fetch.TeardownTimeout <= 0 {
		errs = append(errs, errors.New("fetch.teardownTimeout must be positive"))
	}
	if c.Sqlite.File == "" {
		errs = append(errs, errors.New("sqlite.file must not be empty"))
	}
	if c.Serve.MaxInflight <= 0 {
		errs = append(errs, errors.New("serve.maxInflight must be positive"))
	}
	return errors.Join(errs...)
}
