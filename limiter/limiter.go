package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// RateLimiter applies the configured path rules, keyed by request identifiers,
// on top of a DynamicLimiter.
type RateLimiter struct {
	config       *Config
	limiter      *DynamicLimiter
	extractValue Extractor // function to extract identifier value from context
}

// NewRateLimiter validates cfg and creates a RateLimiter for it.
// The default extractor is ContextExtractor.
func NewRateLimiter(cfg *Config, opts ...Option) (*RateLimiter, error) {
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}

	base := []Option{WithCyclePeriod(cfg.CyclePeriod)}
	if cfg.Shards > 0 {
		base = append(base, WithShards(cfg.Shards))
	}
	dl, err := NewDynamic(cfg.MaxPeriod(), append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	log.Info().Int("rules", len(cfg.Rules)).Dur("cycle_period", cfg.CyclePeriod).Str("store_id", dl.Store().ID()).Msg("rate limiter created")
	return &RateLimiter{
		config:       cfg,
		limiter:      dl,
		extractValue: ContextExtractor,
	}, nil
}

// SetExtractor sets the function to extract identifier values from the context.
func (rl *RateLimiter) SetExtractor(extractor Extractor) {
	rl.extractValue = extractor
}

// Limiter returns the underlying DynamicLimiter.
func (rl *RateLimiter) Limiter() *DynamicLimiter {
	return rl.limiter
}

// Start launches the background reaper of the underlying limiter.
func (rl *RateLimiter) Start(ctx context.Context) error {
	return rl.limiter.Start(ctx, 0)
}

// Shutdown stops the background reaper.
func (rl *RateLimiter) Shutdown(ctx context.Context) error {
	return rl.limiter.Shutdown(ctx)
}

// Cycle evicts idle keys now.
func (rl *RateLimiter) Cycle() bool {
	return rl.limiter.Cycle()
}

// Limit checks if the request is allowed based on the rate limiting rules.
// When limited is true, wait is how long until the exhausted window resets.
func (rl *RateLimiter) Limit(ctx context.Context, path string) (wait time.Duration, limited bool) {
	if rl.extractValue == nil {
		log.Error().Msg("extractor function not set, cannot limit requests")
		return 0, false // request is allowed
	}

	for i := range rl.config.Rules {
		rule := &rl.config.Rules[i]
		if !rl.pathMatches(path, rule) {
			continue
		}
		log.Debug().Str("path", path).Str("rule_path", rule.Path).Msg("matched rule")

		// apply limit for each LimitBy type in the matched rule
		if wait, limited := rl.applyRuleLimits(ctx, rule); limited {
			log.Warn().Str("path", path).Str("rule_path", rule.Path).Dur("retry_after", wait).Msg("rate limit triggered for rule")
			return wait, true // stop processing, request is denied
		}
	}

	return 0, false
}

// pathMatches checks if the request path matches the rule's path (exact or regex).
func (rl *RateLimiter) pathMatches(requestPath string, rule *Rule) bool {
	if rule.IsRegex {
		return rule.compiledRegex != nil && rule.compiledRegex.MatchString(requestPath)
	}
	return rule.Path == requestPath
}

// applyRuleLimits triggers the window of every LimitBy type in the rule.
// It stops at the first limited identifier.
func (rl *RateLimiter) applyRuleLimits(ctx context.Context, rule *Rule) (time.Duration, bool) {
	for _, limitType := range rule.LimitBy {
		value := rl.extractValue(ctx, limitType)
		if value == "" {
			// if identifier is missing (e.g., header not present), skip limiting by this type for this request
			log.Debug().Str("rule_path", rule.Path).Str("limit_by", limitType).Msg("identifier value missing, skipping this limit type")
			continue
		}

		key := generateStoreKey(rule, limitType, value)
		if wait, limited := rl.limiter.Trigger(key, rule.Capacity, rule.Period); limited {
			log.Warn().Str("key", key).Str("limit_type", limitType).Str("value", value).Str("rule_path", rule.Path).Uint64("capacity", rule.Capacity).Dur("period", rule.Period).Msg("rate limit exceeded for identifier")
			return wait, true
		}
	}
	return 0, false
}

// generateStoreKey creates a unique string key for the store.
// Format: rule:<Rule.Path>|by:<LimitType>|val:<Value>
func generateStoreKey(rule *Rule, limitType string, value string) string {
	return fmt.Sprintf("rule:%s|by:%s|val:%s", rule.Path, limitType, value)
}
