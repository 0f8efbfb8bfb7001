package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bgt-builder/bgt/internal/config"
)

const (
	RetryFixed       = "fixed"
	RetryLinear      = "linear"
	RetryExponential = "exponential"
)

// RetryPolicy spaces out repeated attempts of a failed stage.
type RetryPolicy struct {
	Mode    string
	Initial time.Duration
	Max     time.Duration
}

func PolicyFromConfig(conf *config.Config) RetryPolicy {
	p := RetryPolicy{Mode: RetryLinear, Initial: 30 * time.Second, Max: 5 * time.Minute}
	switch conf.Pipeline.RetryMode {
	case RetryFixed, RetryLinear, RetryExponential:
		p.Mode = conf.Pipeline.RetryMode
	}
	if conf.Pipeline.RetryInitial > 0 {
		p.Initial = conf.Pipeline.RetryInitial
	}
	if conf.Pipeline.RetryMax > 0 {
		p.Max = conf.Pipeline.RetryMax
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// linearBackOff grows the pause by step on every call, up to max.
type linearBackOff struct {
	step    time.Duration
	max     time.Duration
	current time.Duration
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.current += b.step
	if b.current > b.max {
		b.current = b.max
	}
	return b.current
}

func (b *linearBackOff) Reset() {
	b.current = 0
}

// NewBackOff returns the pauses between attempts, starting at the first retry.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	switch p.Mode {
	case RetryFixed:
		return backoff.NewConstantBackOff(p.Initial)
	case RetryExponential:
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = p.Initial
		bo.Multiplier = 2
		bo.RandomizationFactor = 0
		bo.MaxInterval = p.Max
		bo.MaxElapsedTime = 0
		bo.Reset()
		return bo
	default:
		return &linearBackOff{step: p.Initial, max: p.Max}
	}
}

// Delay returns the pause before retry number retry (the first retry is 1).
// Attempts survive restarts, so the schedule is replayed from the start.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}
	bo := p.NewBackOff()
	var d time.Duration
	for i := 0; i < retry; i++ {
		d = bo.NextBackOff()
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
