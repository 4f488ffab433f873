package imagebroker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level broker configuration.
type Config struct {
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Service ServiceConfig `yaml:"service"`
	Refill  RefillConfig  `yaml:"refill"`
	License LicenseConfig `yaml:"license"`

	// CASRetries bounds the read-modify-write retry loops on quota and
	// ledger stores before failing closed.
	CASRetries int `yaml:"cas_retries"`

	// InterCallDelay is the pause between sequential fan-out calls to
	// single-shot backends, to respect upstream rate limits.
	InterCallDelay Duration `yaml:"inter_call_delay"`

	// CallTimeout bounds each individual provider call.
	CallTimeout Duration `yaml:"call_timeout"`
}

// Duration is a time.Duration that unmarshals from YAML as either a
// duration string ("90s", "2h") or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("imagebroker: config: invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("imagebroker: config: invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// OpenAIConfig configures the key-authenticated image API.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ServiceConfig configures the proprietary JWT-authenticated service.
type ServiceConfig struct {
	JWT     string `yaml:"jwt"`
	BaseURL string `yaml:"base_url"`
}

// RefillConfig configures the prepaid credit product. Credit-ledger mode
// is active only when a product is configured here.
type RefillConfig struct {
	ProductURL string `yaml:"product_url"`
}

// Configured reports whether a refill product is set up.
func (r RefillConfig) Configured() bool { return r.ProductURL != "" }

// LicenseConfig configures the license server check.
type LicenseConfig struct {
	Key       string   `yaml:"key"`
	ServerURL string   `yaml:"server_url"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// Defaults applied when fields are zero.
const (
	DefaultCASRetries     = 3
	DefaultInterCallDelay = Duration(time.Second)
	DefaultCallTimeout    = Duration(120 * time.Second)
)

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("imagebroker: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("imagebroker: parse config: %w", err)
	}

	cfg = cfg.withDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.CASRetries == 0 {
		c.CASRetries = DefaultCASRetries
	}
	if c.InterCallDelay == 0 {
		c.InterCallDelay = DefaultInterCallDelay
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.CASRetries < 1 {
		return fmt.Errorf("imagebroker: config: cas_retries must be at least 1")
	}
	if c.InterCallDelay < 0 {
		return fmt.Errorf("imagebroker: config: inter_call_delay must not be negative")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("imagebroker: config: call_timeout must be positive")
	}
	if c.Refill.Configured() && c.License.Key == "" {
		return fmt.Errorf("imagebroker: config: refill requires a license key")
	}
	return nil
}
