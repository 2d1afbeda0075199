package utils

import (
	"testing"
	"time"

	"go.viam.com/test"
)

func TestRollingAverage(t *testing.T) {
	ra := NewRollingAverage(3)
	test.That(t, ra.Average(), test.ShouldEqual, time.Duration(0))
	ra.Add(3 * time.Millisecond)
	test.That(t, ra.Average(), test.ShouldEqual, 3*time.Millisecond)
	ra.Add(6 * time.Millisecond)
	ra.Add(9 * time.Millisecond)
	test.That(t, ra.Average(), test.ShouldEqual, 6*time.Millisecond)
	ra.Add(12 * time.Millisecond)
	test.That(t, ra.Average(), test.ShouldEqual, 9*time.Millisecond)
	test.That(t, ra.NumSamples(), test.ShouldEqual, 3)
}
