package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
	Playback PlaybackConfig `yaml:"playback"`
	TTS      TTSConfig      `yaml:"tts"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
	// ReadTimeout 只限制读请求头；打开故事要等语音生成，不设写超时。
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// APIConfig 故事服务地址。
type APIConfig struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type AuthConfig struct {
	ReissuePath string `yaml:"reissue_path" validate:"required,startswith=/"`
	// TokenFile 为空时令牌只保存在内存里。
	TokenFile  string `yaml:"token_file"`
	Passphrase string `yaml:"passphrase" validate:"required_with=TokenFile"`
	// AccessToken/RefreshToken 用于无交互登录，一般来自环境变量。
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
}

type PlaybackConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gt=0"`
	DefaultDuration float64       `yaml:"default_duration" validate:"gt=0"`
	SkipSeconds     float64       `yaml:"skip_seconds" validate:"gt=0"`
	// JournalLimit 每个播放页保留的事件条数。
	JournalLimit int `yaml:"journal_limit" validate:"gte=0"`
}

type TTSConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	MaxRetries   int           `yaml:"max_retries" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
	Output string `yaml:"output"`
}

// Default 返回内置默认值，配置文件只需覆盖差异项。
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8090,
			ReadTimeout:    10 * time.Second,
			AllowedOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		},
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			ReissuePath: "/api/auth/reissue",
		},
		Playback: PlaybackConfig{
			PollInterval:    100 * time.Millisecond,
			DefaultDuration: 81,
			SkipSeconds:     10,
			JournalLimit:    500,
		},
		TTS: TTSConfig{
			PollInterval: 5 * time.Second,
			MaxRetries:   10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Load 从文件加载配置。path 为空时只使用默认值和环境变量。
// 同目录的 .env 会先被加载，已存在的环境变量不会被覆盖。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		fmt.Printf("📋 Loading config from: %s\n", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// 从环境变量覆盖部署相关和敏感信息
func applyEnv(cfg *Config) error {
	if v := os.Getenv("STORY_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("STORY_ACCESS_TOKEN"); v != "" {
		cfg.Auth.AccessToken = v
	}
	if v := os.Getenv("STORY_REFRESH_TOKEN"); v != "" {
		cfg.Auth.RefreshToken = v
	}
	if v := os.Getenv("STORY_TOKEN_FILE"); v != "" {
		cfg.Auth.TokenFile = v
	}
	if v := os.Getenv("STORY_TOKEN_PASSPHRASE"); v != "" {
		cfg.Auth.Passphrase = v
	}
	if v := os.Getenv("STORY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("STORY_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STORY_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Addr 返回控制服务监听地址。
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
