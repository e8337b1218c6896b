package limiter

import "errors"

var (
	// ErrInvalidPeriod is returned for a window period that is not positive.
	ErrInvalidPeriod = errors.New("limiter: period must be positive")
	// ErrCyclePeriodTooShort is returned when the store would cycle faster than a window expires.
	ErrCyclePeriodTooShort = errors.New("limiter: cycle period shorter than window period")
	// ErrPeriodExceedsMax is wrapped by the value a DynamicLimiter panics with when a call's
	// period is not in (0, max period].
	ErrPeriodExceedsMax = errors.New("limiter: period exceeds the limiter's max period")
	// ErrInvalidConfig wraps every config validation failure.
	ErrInvalidConfig = errors.New("limiter: invalid config")
)
