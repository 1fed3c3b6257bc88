package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ChuLiYu/mapprint/internal/fetch"
	"github.com/ChuLiYu/mapprint/internal/logger"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Log logger.Config `yaml:"log"`

	Server struct {
		Listen string `yaml:"listen"`
		// AuthSecret enables bearer JWT authentication when set.
		AuthSecret string `yaml:"auth_secret"`
		AuthIssuer string `yaml:"auth_issuer"`
	} `yaml:"server"`

	Controller struct {
		MaxRunning       int           `yaml:"max_running"`
		MaxWaiting       int           `yaml:"max_waiting"`
		Timeout          time.Duration `yaml:"timeout"`
		AbandonedTimeout time.Duration `yaml:"abandoned_timeout"`
		SweepInterval    time.Duration `yaml:"sweep_interval"`
		PollInterval     time.Duration `yaml:"poll_interval"`
	} `yaml:"controller"`

	Fetch fetch.Config `yaml:"fetch"`

	Printer struct {
		TaskRoot    string `yaml:"task_root"`
		OutputDir   string `yaml:"output_dir"`
		Parallelism int    `yaml:"parallelism"`
		MaxTiles    int    `yaml:"max_tiles"`
		AssetDir    string `yaml:"asset_dir"`
	} `yaml:"printer"`

	Registry struct {
		Driver        string        `yaml:"driver"` // memory, file, sqlite, pgx
		DSN           string        `yaml:"dsn"`    // file: journal path
		TTL           time.Duration `yaml:"ttl"`
		Size          int64         `yaml:"size"`
		SyncWrites    bool          `yaml:"sync_writes"`
		RetryAttempts uint64        `yaml:"retry_attempts"`
		RetryInterval time.Duration `yaml:"retry_interval"`
		PurgeInterval time.Duration `yaml:"purge_interval"`
	} `yaml:"registry"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":50051"
	}
	if c.Printer.OutputDir == "" {
		c.Printer.OutputDir = "output"
	}
	if c.Registry.Driver == "" {
		c.Registry.Driver = "memory"
	}
	if c.Registry.TTL <= 0 {
		c.Registry.TTL = 24 * time.Hour
	}
	if c.Registry.Size <= 0 {
		c.Registry.Size = 100000
	}
	if c.Registry.RetryAttempts == 0 {
		c.Registry.RetryAttempts = 3
	}
	if c.Registry.RetryInterval <= 0 {
		c.Registry.RetryInterval = 50 * time.Millisecond
	}
	if c.Registry.PurgeInterval <= 0 {
		c.Registry.PurgeInterval = time.Hour
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
}

// loadConfig reads a .env file next to the process (if any), then the YAML
// config with ${VAR} references expanded from the environment.
func loadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}
