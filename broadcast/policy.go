package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy decides how a broadcast is simulated and judged.
type Policy struct {
	// Delay is the wait before the first round trip of a broadcast.
	Delay time.Duration `json:"delay" yaml:"delay"`

	// SuccessProbability is the chance that a round trip with quorum is confirmed.
	SuccessProbability float64 `json:"success_probability" yaml:"success_probability"`

	// MinQuorum is the number of acking nodes required for consensus.
	MinQuorum int `json:"min_quorum" yaml:"min_quorum"`

	// MinNodes and MaxNodes bound the simulated network size.
	MinNodes int `json:"min_nodes" yaml:"min_nodes"`
	MaxNodes int `json:"max_nodes" yaml:"max_nodes"`

	// MaxPillars is the pillar count at which a record is classified genesis.
	MaxPillars int `json:"max_pillars" yaml:"max_pillars"`

	// Timeout bounds a single attempt. Zero disables it.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// RetryInitial and RetryMax bound the exponential delay before retries.
	RetryInitial time.Duration `json:"retry_initial" yaml:"retry_initial"`
	RetryMax     time.Duration `json:"retry_max" yaml:"retry_max"`
}

// DefaultPolicy returns a policy under which most broadcasts succeed.
func DefaultPolicy() Policy {
	return Policy{
		Delay:              2 * time.Second,
		SuccessProbability: 0.95,
		MinQuorum:          4,
		MinNodes:           4,
		MaxNodes:           12,
		MaxPillars:         8,
		Timeout:            30 * time.Second,
		RetryInitial:       500 * time.Millisecond,
		RetryMax:           10 * time.Second,
	}
}

// Validate checks the policy for consistency.
func (p Policy) Validate() error {
	if p.SuccessProbability < 0 || p.SuccessProbability > 1 {
		return fmt.Errorf("success_probability must be within [0, 1], got %v", p.SuccessProbability)
	}
	if p.MinQuorum < 1 {
		return fmt.Errorf("min_quorum must be at least 1")
	}
	if p.MinNodes < 0 {
		return fmt.Errorf("min_nodes must not be negative")
	}
	if p.MaxNodes < p.MinNodes {
		return fmt.Errorf("max_nodes (%d) must be >= min_nodes (%d)", p.MaxNodes, p.MinNodes)
	}
	if p.MaxPillars < 1 {
		return fmt.Errorf("max_pillars must be at least 1")
	}
	if p.Delay < 0 || p.Timeout < 0 || p.RetryInitial < 0 || p.RetryMax < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if p.RetryMax > 0 && p.RetryMax < p.RetryInitial {
		return fmt.Errorf("retry_max must be >= retry_initial")
	}
	return nil
}

// DelayStrategy waits before a network round trip. attempt starts at 1.
type DelayStrategy interface {
	Wait(ctx context.Context, attempt int) error
}

// NoDelay returns immediately unless ctx is already done.
type NoDelay struct{}

// Wait implements DelayStrategy.
func (NoDelay) Wait(ctx context.Context, _ int) error {
	return ctx.Err()
}

// FixedDelay waits the same duration for every attempt.
type FixedDelay time.Duration

// Wait implements DelayStrategy.
func (d FixedDelay) Wait(ctx context.Context, _ int) error {
	return sleep(ctx, time.Duration(d))
}

// Backoff waits exponentially longer for each attempt.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor in [0, 1]. Zero makes delays deterministic.
	Jitter float64
}

// Duration returns the delay for attempt.
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	eb.RandomizationFactor = b.Jitter
	eb.MaxElapsedTime = 0
	if b.Multiplier > 0 {
		eb.Multiplier = b.Multiplier
	}
	if b.Max > 0 {
		eb.MaxInterval = b.Max
	}
	eb.Reset()

	var d time.Duration
	for range attempt {
		d = eb.NextBackOff()
	}
	return d
}

// Wait implements DelayStrategy.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	return sleep(ctx, b.Duration(attempt))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
