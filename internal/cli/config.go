package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/farewatch/internal/alert"
	"github.com/ChuLiYu/farewatch/internal/expander"
	"github.com/ChuLiYu/farewatch/internal/kvstore"
	"github.com/ChuLiYu/farewatch/internal/queue"
	"github.com/ChuLiYu/farewatch/internal/repeat"
	"github.com/ChuLiYu/farewatch/pkg/types"
)

// 儲存後端
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// 票價來源
const (
	FetchHTTP      = "http"
	FetchSimulated = "simulated"
)

const defaultConfigPath = "configs/default.yaml"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Search struct {
		Gap            time.Duration `yaml:"gap"`
		RepeatInterval time.Duration `yaml:"repeat_interval"`
	} `yaml:"search"`

	Queue struct {
		Workers          int           `yaml:"workers"`
		TaskTimeout      time.Duration `yaml:"task_timeout"`
		MaxRetry         int           `yaml:"max_retry"`
		DispatchInterval time.Duration `yaml:"dispatch_interval"`
		BufferSize       int           `yaml:"buffer_size"`
	} `yaml:"queue"`

	Store struct {
		Backend      string `yaml:"backend"`
		Dir          string `yaml:"dir"`
		CompactEvery int    `yaml:"compact_every"`
		Redis        struct {
			Address  string        `yaml:"address"`
			Password string        `yaml:"password"`
			DB       int           `yaml:"db"`
			Prefix   string        `yaml:"prefix"`
			Timeout  time.Duration `yaml:"timeout"`
		} `yaml:"redis"`
	} `yaml:"store"`

	Fetch struct {
		Mode      string        `yaml:"mode"`
		Timeout   time.Duration `yaml:"timeout"`
		Retries   int           `yaml:"retries"`
		Backoff   time.Duration `yaml:"backoff"`
		Simulated struct {
			MaxDelay    time.Duration `yaml:"max_delay"`
			FailureRate float64       `yaml:"failure_rate"`
			BasePrice   float64       `yaml:"base_price"`
		} `yaml:"simulated"`
	} `yaml:"fetch"`

	Alert struct {
		Delay time.Duration    `yaml:"delay"`
		SMTP  alert.SMTPConfig `yaml:"smtp"`
	} `yaml:"alert"`

	Sites []types.Site `yaml:"sites"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"grpc"`
}

// loadEnvFiles 載入 .env（不存在時忽略）
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// loadConfig reads the YAML file, fills defaults, applies FAREWATCH_*
// environment overrides and validates the result. A missing file at the
// default path yields the defaults.
func loadConfig(path string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigPath:
		log.Info("Config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Search.Gap <= 0 {
		c.Search.Gap = expander.DefaultGap
	}
	if c.Search.RepeatInterval <= 0 {
		c.Search.RepeatInterval = repeat.DefaultInterval
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = queue.DefaultWorkers
	}
	if c.Queue.TaskTimeout <= 0 {
		c.Queue.TaskTimeout = queue.DefaultTaskTimeout
	}
	if c.Queue.MaxRetry == 0 {
		c.Queue.MaxRetry = queue.DefaultMaxRetry
	}
	if c.Queue.DispatchInterval <= 0 {
		c.Queue.DispatchInterval = queue.DefaultDispatchInterval
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = queue.DefaultBufferSize
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendFile
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "data"
	}
	if c.Store.CompactEvery <= 0 {
		c.Store.CompactEvery = kvstore.DefaultCompactEvery
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "farewatch:"
	}
	if c.Fetch.Mode == "" {
		c.Fetch.Mode = FetchSimulated
	}
	if c.Alert.Delay <= 0 {
		c.Alert.Delay = alert.DefaultDelay
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.GRPC.Port == 0 {
		c.GRPC.Port = 50051
	}
	if len(c.Sites) == 0 {
		c.Sites = []types.Site{{ID: "simulated", Name: "Simulated fares"}}
	}
}

// applyEnv 以 FAREWATCH_* 環境變數覆蓋敏感或與部署相關的欄位
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"FAREWATCH_STORE_BACKEND":  &c.Store.Backend,
		"FAREWATCH_STORE_DIR":      &c.Store.Dir,
		"FAREWATCH_REDIS_ADDR":     &c.Store.Redis.Address,
		"FAREWATCH_REDIS_PASSWORD": &c.Store.Redis.Password,
		"FAREWATCH_SMTP_HOST":      &c.Alert.SMTP.Host,
		"FAREWATCH_SMTP_USERNAME":  &c.Alert.SMTP.Username,
		"FAREWATCH_SMTP_PASSWORD":  &c.Alert.SMTP.Password,
		"FAREWATCH_SMTP_SENDER":    &c.Alert.SMTP.Sender,
		"FAREWATCH_FETCH_MODE":     &c.Fetch.Mode,
	}
	for name, field := range str {
		if v, ok := lookup(name); ok && v != "" {
			*field = v
		}
	}

	ints := map[string]*int{
		"FAREWATCH_SMTP_PORT":    &c.Alert.SMTP.Port,
		"FAREWATCH_METRICS_PORT": &c.Metrics.Port,
		"FAREWATCH_GRPC_PORT":    &c.GRPC.Port,
	}
	for name, field := range ints {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = n
	}
	return nil
}

// Validate 檢查配置是否可用
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendFile:
		if c.Store.Dir == "" {
			return errors.New("store.dir is required for the file backend")
		}
	case BackendRedis:
		if c.Store.Redis.Address == "" {
			return kvstore.ErrEmptyAddress
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Fetch.Mode {
	case FetchSimulated:
	case FetchHTTP:
		for _, s := range c.Sites {
			if s.Endpoint == "" {
				return fmt.Errorf("site %q has no endpoint", s.ID)
			}
		}
	default:
		return fmt.Errorf("unknown fetch mode %q", c.Fetch.Mode)
	}

	if r := c.Fetch.Simulated.FailureRate; r < 0 || r > 1 {
		return fmt.Errorf("fetch.simulated.failure_rate must be within [0, 1], got %v", r)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}
	if c.GRPC.Enabled && (c.GRPC.Port < 1 || c.GRPC.Port > 65535) {
		return fmt.Errorf("grpc.port out of range: %d", c.GRPC.Port)
	}
	return nil
}
