package odometry

import (
	"math/rand"

	"github.com/benbjohnson/clock"
)

type options struct {
	rnd *rand.Rand
	clk clock.Clock
}

// Option configures an Initializer or a FeatureTracker.
type Option func(*options)

// WithRand sets the random source used for RANSAC sampling and grid shuffling.
func WithRand(rnd *rand.Rand) Option {
	return func(o *options) {
		o.rnd = rnd
	}
}

// WithClock sets the clock used to time the phases reported by Initializer.Stats and
// FeatureTracker.Stats.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clk = clk
	}
}

func newOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rnd == nil {
		//nolint:gosec
		o.rnd = rand.New(rand.NewSource(rand.Int63()))
	}
	if o.clk == nil {
		o.clk = clock.New()
	}
	return o
}
