package limiter

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/toolink/floodgate/store"
)

// Valid LimitBy types
var validLimitBy = map[string]bool{
	LimitByIP:       true,
	LimitByDeviceID: true,
	LimitByUserID:   true,
}

// Rule defines a single rate limiting rule.
type Rule struct {
	Path     string        `yaml:"path"`     // request path (can be regex if IsRegex is true)
	IsRegex  bool          `yaml:"is_regex"` // indicates if Path is a regex
	Capacity uint64        `yaml:"capacity"` // number of allowed triggers per period
	Period   time.Duration `yaml:"period"`   // window length, e.g. "10s"
	LimitBy  []string      `yaml:"limit_by"` // list of identifiers to limit by ("ip", "device_id", "user_id")

	// internal fields
	compiledRegex *regexp.Regexp // compiled regex for performance
}

// Config holds the overall rate limiter configuration.
type Config struct {
	// CyclePeriod is how often idle keys may be evicted. Defaults to the longest rule period.
	CyclePeriod time.Duration `yaml:"cycle_period" env:"CYCLE_PERIOD"`
	// Shards is the number of lock shards in the store. Defaults to store.DefaultShards.
	Shards int    `yaml:"shards" env:"SHARDS"`
	Rules  []Rule `yaml:"rules"`
}

// LoadConfig reads a YAML config file, applies environment overrides and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML config, applies FLOODGATE_* environment
// overrides and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to decode yaml: %w", ErrInvalidConfig, err)
	}

	// unset variables leave the file values in place
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("%w: failed to apply environment: %w", ErrInvalidConfig, err)
	}

	if err := cfg.ValidateAndPrepare(); err != nil {
		log.Error().Err(err).Msg("rate limiter config rejected")
		return nil, err
	}
	return cfg, nil
}

// ValidateAndPrepare processes the raw config, validates it, and prepares internal fields.
func (c *Config) ValidateAndPrepare() error {
	if len(c.Rules) == 0 {
		log.Warn().Msg("no rate limit rules defined in config")
	}
	if c.Shards < 0 {
		return fmt.Errorf("%w: shards must not be negative, got %d", ErrInvalidConfig, c.Shards)
	}
	if c.CyclePeriod < 0 {
		return fmt.Errorf("%w: cycle_period must not be negative, got %v", ErrInvalidConfig, c.CyclePeriod)
	}

	var longest time.Duration
	seenPaths := make(map[string]bool)
	for i := range c.Rules {
		rule := &c.Rules[i] // operate on pointer to modify the slice element

		// validate path uniqueness
		if seenPaths[rule.Path] {
			return fmt.Errorf("%w: duplicate path definition found: %s", ErrInvalidConfig, rule.Path)
		}
		seenPaths[rule.Path] = true

		// validate capacity and period
		if rule.Capacity == 0 {
			return fmt.Errorf("%w: rule for path '%s' has invalid capacity: must be positive", ErrInvalidConfig, rule.Path)
		}
		if rule.Period <= 0 {
			return fmt.Errorf("%w: rule for path '%s' has invalid period: %v, must be positive", ErrInvalidConfig, rule.Path, rule.Period)
		}
		if rule.Period > longest {
			longest = rule.Period
		}

		// compile regex if needed
		if rule.IsRegex {
			re, err := regexp.Compile(rule.Path)
			if err != nil {
				return fmt.Errorf("%w: failed to compile regex for path '%s': %w", ErrInvalidConfig, rule.Path, err)
			}
			rule.compiledRegex = re
		}

		// validate LimitBy types
		if len(rule.LimitBy) == 0 {
			return fmt.Errorf("%w: rule for path '%s' must have at least one limit_by type", ErrInvalidConfig, rule.Path)
		}
		for _, lb := range rule.LimitBy {
			if !validLimitBy[lb] {
				return fmt.Errorf("%w: rule for path '%s' has invalid limit_by type: '%s'", ErrInvalidConfig, rule.Path, lb)
			}
		}
	}

	switch {
	case c.CyclePeriod == 0 && longest > 0:
		c.CyclePeriod = longest
	case c.CyclePeriod == 0:
		c.CyclePeriod = store.DefaultCyclePeriod
	case c.CyclePeriod < longest:
		return fmt.Errorf("%w: cycle_period %v is shorter than the longest rule period %v", ErrInvalidConfig, c.CyclePeriod, longest)
	}
	return nil
}

// MaxPeriod returns the longest rule period, or the cycle period when there are no rules.
func (c *Config) MaxPeriod() time.Duration {
	var longest time.Duration
	for _, rule := range c.Rules {
		if rule.Period > longest {
			longest = rule.Period
		}
	}
	if longest == 0 {
		return c.CyclePeriod
	}
	return longest
}
