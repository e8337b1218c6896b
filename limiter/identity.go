package limiter

import (
	"context"

	"github.com/rs/zerolog/log"
)

// identifiersKey is the private key type used for context.WithValue.
type identifiersKey struct{}

// Extractor returns the identifier of the given LimitBy type for the request
// carried by ctx, or "" when there is none.
type Extractor func(ctx context.Context, limitType string) string

// WithIdentifier returns a context carrying value as the identifier for limitType,
// in addition to any identifiers already present in ctx.
func WithIdentifier(ctx context.Context, limitType, value string) context.Context {
	if ctx == nil {
		log.Error().Str("limit_by", limitType).Msg("attempted to attach identifier to a nil context, using background context")
		ctx = context.Background()
	}

	existing, _ := ctx.Value(identifiersKey{}).(map[string]string)
	ids := make(map[string]string, len(existing)+1)
	for k, v := range existing {
		ids[k] = v
	}
	ids[limitType] = value
	return context.WithValue(ctx, identifiersKey{}, ids)
}

// ContextExtractor reads identifiers attached with WithIdentifier.
// It is the RateLimiter's default Extractor.
func ContextExtractor(ctx context.Context, limitType string) string {
	if ctx == nil {
		return ""
	}
	ids, _ := ctx.Value(identifiersKey{}).(map[string]string)
	return ids[limitType]
}
