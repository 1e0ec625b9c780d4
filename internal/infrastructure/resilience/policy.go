package resilience

import (
	"strings"
	"time"
)

// Budget bounds the retries of one class of external call.
type Budget struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// delay is the wait after the given failed attempt (1-based), growing
// geometrically up to MaxBackoff.
func (b Budget) delay(attempt int) time.Duration {
	wait := b.InitialBackoff
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * b.Multiplier)
		if wait >= b.MaxBackoff {
			return b.MaxBackoff
		}
	}
	if wait > b.MaxBackoff {
		return b.MaxBackoff
	}
	return wait
}

func (b Budget) normalize(def Budget) Budget {
	if b.Attempts <= 0 {
		b.Attempts = def.Attempts
	}
	if b.InitialBackoff <= 0 {
		b.InitialBackoff = def.InitialBackoff
	}
	if b.MaxBackoff <= 0 {
		b.MaxBackoff = def.MaxBackoff
	}
	if b.MaxBackoff < b.InitialBackoff {
		b.MaxBackoff = b.InitialBackoff
	}
	if b.Multiplier < 1.0 {
		b.Multiplier = def.Multiplier
	}
	return b
}

// Breaker configures the circuit breaker kept per operation.
type Breaker struct {
	Enabled          bool
	MinRequests      uint32
	FailureRatio     float64
	OpenTimeout      time.Duration
	HalfOpenMaxCalls uint32
}

// Config is the retry and breaker policy of every outbound call. Classes
// override Retry for operations whose name starts with "<class>.", such as
// "completion.generate" or "qdrant.search".
type Config struct {
	Retry   Budget
	Breaker Breaker
	Classes map[string]Budget
}

func DefaultConfig() Config {
	return Config{
		Retry: Budget{
			Attempts:       3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     400 * time.Millisecond,
			Multiplier:     2.0,
		},
		Breaker: Breaker{
			Enabled:          true,
			MinRequests:      10,
			FailureRatio:     0.5,
			OpenTimeout:      30 * time.Second,
			HalfOpenMaxCalls: 2,
		},
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	out := c
	out.Retry = c.Retry.normalize(def.Retry)

	if out.Breaker.MinRequests == 0 {
		out.Breaker.MinRequests = def.Breaker.MinRequests
	}
	if out.Breaker.FailureRatio <= 0 || out.Breaker.FailureRatio > 1 {
		out.Breaker.FailureRatio = def.Breaker.FailureRatio
	}
	if out.Breaker.OpenTimeout <= 0 {
		out.Breaker.OpenTimeout = def.Breaker.OpenTimeout
	}
	if out.Breaker.HalfOpenMaxCalls == 0 {
		out.Breaker.HalfOpenMaxCalls = def.Breaker.HalfOpenMaxCalls
	}

	out.Classes = make(map[string]Budget, len(c.Classes))
	for class, budget := range c.Classes {
		out.Classes[class] = budget.normalize(out.Retry)
	}
	return out
}

// WithClass returns a copy of c with a dedicated budget for one call class.
func (c Config) WithClass(class string, budget Budget) Config {
	out := c
	out.Classes = make(map[string]Budget, len(c.Classes)+1)
	for k, v := range c.Classes {
		out.Classes[k] = v
	}
	out.Classes[class] = budget
	return out
}

func (c Config) budgetFor(operation string) Budget {
	class, _, _ := strings.Cut(operation, ".")
	if budget, ok := c.Classes[class]; ok {
		return budget
	}
	return c.Retry
}
