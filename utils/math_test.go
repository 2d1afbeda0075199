package utils

import (
	"math"
	"math/rand"
	"testing"

	"go.viam.com/test"
)

func TestSampleDistinct(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	scratch := Range(20)
	for trial := 0; trial < 50; trial++ {
		got := SampleDistinct(8, scratch, r)
		test.That(t, len(got), test.ShouldEqual, 8)
		seen := map[int]bool{}
		for _, g := range got {
			test.That(t, g, test.ShouldBeBetweenOrEqual, 0, 19)
			test.That(t, seen[g], test.ShouldBeFalse)
			seen[g] = true
		}
	}
	test.That(t, len(SampleDistinct(30, Range(5), r)), test.ShouldEqual, 5)
}

func TestSmallMath(t *testing.T) {
	test.That(t, ClampInt(-3, 0, 5), test.ShouldEqual, 0)
	test.That(t, ClampInt(9, 0, 5), test.ShouldEqual, 5)
	test.That(t, ClampInt(2, 0, 5), test.ShouldEqual, 2)
	test.That(t, IsFinite(math.NaN()), test.ShouldBeFalse)
	test.That(t, IsFinite(math.Inf(-1)), test.ShouldBeFalse)
	test.That(t, IsFinite(1), test.ShouldBeTrue)
	test.That(t, Square(3), test.ShouldEqual, 9)
}
