package utils

import "time"

// RollingAverage keeps the mean of the last N durations added.
type RollingAverage struct {
	data  []time.Duration
	pos   int
	count int
}

// NewRollingAverage returns a rolling average over numSamples samples.
func NewRollingAverage(numSamples int) *RollingAverage {
	if numSamples < 1 {
		numSamples = 1
	}
	return &RollingAverage{data: make([]time.Duration, numSamples)}
}

// NumSamples returns the window size.
func (ra *RollingAverage) NumSamples() int {
	return len(ra.data)
}

// Add pushes a sample, evicting the oldest once the window is full.
func (ra *RollingAverage) Add(x time.Duration) {
	ra.data[ra.pos] = x
	ra.pos = (ra.pos + 1) % len(ra.data)
	if ra.count < len(ra.data) {
		ra.count++
	}
}

// Average returns the mean of the samples seen so far, or zero if there are none.
func (ra *RollingAverage) Average() time.Duration {
	if ra.count == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < ra.count; i++ {
		sum += ra.data[i]
	}
	return sum / time.Duration(ra.count)
}
