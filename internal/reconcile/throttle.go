package reconcile

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/sphenix-prod/slurp/internal/config"
)

const (
	burstCapacityMultiplier = 2
	defaultActionsPerSecond = 5
)

// ThrottleConfig bounds how fast scheduler actions are issued.
type ThrottleConfig struct {
	ActionsPerSecond int
	Burst            int // 0 computes 2 x rate
}

// LoadThrottleConfig reads SLURP_ACTIONS_PER_SECOND and SLURP_ACTIONS_BURST.
func LoadThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		ActionsPerSecond: config.GetEnvInt("SLURP_ACTIONS_PER_SECOND", defaultActionsPerSecond),
		Burst:            config.GetEnvInt("SLURP_ACTIONS_BURST", 0),
	}
}

// Throttle spaces scheduler actions with a token bucket so a large removal does not
// flood the schedd.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle returns a throttle for cfg. A non-positive rate disables throttling.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	if cfg.ActionsPerSecond <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 0)}
	}

	return &Throttle{limiter: rate.NewLimiter(rate.Limit(cfg.ActionsPerSecond), computeBurstCapacity(cfg.ActionsPerSecond, cfg.Burst))}
}

// computeBurstCapacity returns burstOverride when set and 2 x rate otherwise.
func computeBurstCapacity(actionsPerSecond, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return actionsPerSecond * burstCapacityMultiplier
}

// Wait blocks until the next action may run or ctx ends.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}
