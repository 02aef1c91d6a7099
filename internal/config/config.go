package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"custodyline/internal/fingerprint"
	"custodyline/internal/logging"
)

// Config models custodyline.yml.
type Config struct {
	Integrity struct {
		FingerprintVersion string `yaml:"fingerprint_version"`
	} `yaml:"integrity"`
	Storage Storage `yaml:"storage"`
	Anchor  Anchor  `yaml:"anchor"`
	Lock    Lock    `yaml:"lock"`
	Verify  Verify  `yaml:"verify"`
	Server  struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type Storage struct {
	// Driver is sqlite, memory or badger.
	Driver string `yaml:"driver"`
	// Path is the sqlite file or badger directory. Empty uses the workspace default.
	Path string `yaml:"path"`
}

type Anchor struct {
	// Gateway is none, simulated, http or evm.
	Gateway           string        `yaml:"gateway"`
	Auto              bool          `yaml:"auto"`
	SubmitTimeout     time.Duration `yaml:"submit_timeout"`
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	RatePerSecond     float64       `yaml:"rate_per_second"`
	Burst             int           `yaml:"burst"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	HTTP              struct {
		URL       string        `yaml:"url"`
		SecretEnv string        `yaml:"secret_env"`
		Issuer    string        `yaml:"issuer"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"http"`
	EVM struct {
		RPCURL           string `yaml:"rpc_url"`
		KeyEnv           string `yaml:"key_env"`
		MinConfirmations uint64 `yaml:"min_confirmations"`
	} `yaml:"evm"`
}

type Lock struct {
	// Driver is local or redis.
	Driver    string        `yaml:"driver"`
	RedisAddr string        `yaml:"redis_addr"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

type Verify struct {
	Parallelism int           `yaml:"parallelism"`
	CacheSize   int           `yaml:"confirmation_cache_size"`
	CacheTTL    time.Duration `yaml:"confirmation_cache_ttl"`
}

// Load reads and validates config from workspace. A missing file yields the defaults.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("config.%s must be one of %v, got %q", field, allowed, value)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := fingerprint.Lookup(fingerprint.Version(c.Integrity.FingerprintVersion)); err != nil {
		return fmt.Errorf("config.integrity.fingerprint_version: %w", err)
	}
	if err := oneOf("storage.driver", c.Storage.Driver, "sqlite", "memory", "badger"); err != nil {
		return err
	}
	a := c.Anchor
	if err := oneOf("anchor.gateway", a.Gateway, "none", "simulated", "http", "evm"); err != nil {
		return err
	}
	if a.Auto && a.Gateway == "none" {
		return fmt.Errorf("config.anchor.auto requires a gateway")
	}
	if a.MaxAttempts < 1 {
		return fmt.Errorf("config.anchor.max_attempts must be at least 1")
	}
	if a.SubmitTimeout <= 0 || a.ConfirmTimeout <= 0 {
		return fmt.Errorf("config.anchor timeouts must be positive")
	}
	if a.BaseBackoff <= 0 || a.MaxBackoff < a.BaseBackoff {
		return fmt.Errorf("config.anchor.max_backoff must be at least base_backoff (> 0)")
	}
	if a.RatePerSecond < 0 || a.Burst < 0 {
		return fmt.Errorf("config.anchor rate_per_second and burst must not be negative")
	}
	switch a.Gateway {
	case "http":
		if a.HTTP.URL == "" {
			return fmt.Errorf("config.anchor.http.url is required for the http gateway")
		}
		if a.HTTP.SecretEnv == "" {
			return fmt.Errorf("config.anchor.http.secret_env is required for the http gateway")
		}
	case "evm":
		if a.EVM.RPCURL == "" {
			return fmt.Errorf("config.anchor.evm.rpc_url is required for the evm gateway")
		}
		if a.EVM.KeyEnv == "" {
			return fmt.Errorf("config.anchor.evm.key_env is required for the evm gateway")
		}
	}
	if err := oneOf("lock.driver", c.Lock.Driver, "local", "redis"); err != nil {
		return err
	}
	if c.Lock.Driver == "redis" && c.Lock.RedisAddr == "" {
		return fmt.Errorf("config.lock.redis_addr is required for the redis lock")
	}
	if c.Verify.Parallelism < 0 || c.Verify.CacheSize < 0 {
		return fmt.Errorf("config.verify values must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config.log.level: %w", err)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "custodyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys left out keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `integrity:
  fingerprint_version: "1"

storage:
  driver: sqlite
  path: ""

anchor:
  gateway: none
  auto: false
  submit_timeout: 10s
  confirm_timeout: 10s
  max_attempts: 5
  base_backoff: 1s
  max_backoff: 1m
  rate_per_second: 5
  burst: 5
  reconcile_interval: 30s
  http:
    url: ""
    secret_env: CUSTODYLINE_ANCHOR_SECRET
    issuer: custodyline
    token_ttl: 1m
  evm:
    rpc_url: ""
    key_env: CUSTODYLINE_EVM_KEY
    min_confirmations: 3

lock:
  driver: local
  redis_addr: ""
  prefix: "custodyline:lock:"
  # refreshed every ttl/2 while held; bounds how long a crashed holder blocks a batch
  ttl: 30s

verify:
  parallelism: 4
  confirmation_cache_size: 1024
  confirmation_cache_ttl: 5m

server:
  addr: 127.0.0.1:8080

log:
  level: info
`
