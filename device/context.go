// Package device provides the RunContext threaded through dataset and
// optimizer construction. It pins a run to one compute device and one
// deterministically seeded random source, so that shuffling, permutation
// drawing, weight initialization, and Monte-Carlo sampling are reproducible
// from a single seed.
package device

import (
	"math/rand"

	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// RunContext carries the per-run device and random source. A run owns
// exactly one context; components must not create their own generators.
type RunContext struct {
	Device tensor.DeviceType
	Seed   int64

	rng *rand.Rand
}

// NewRunContext creates a context seeded deterministically.
func NewRunContext(dev tensor.DeviceType, seed int64) *RunContext {
	return &RunContext{
		Device: dev,
		Seed:   seed,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Rand exposes the context's random source.
func (c *RunContext) Rand() *rand.Rand {
	return c.rng
}

// Perm draws a random permutation of [0, n).
func (c *RunContext) Perm(n int) []int {
	return c.rng.Perm(n)
}

// Fork derives a context for a sibling run (e.g. the i-th network of a
// repetition study) with a related but distinct seed.
func (c *RunContext) Fork(offset int64) *RunContext {
	return NewRunContext(c.Device, c.Seed+offset)
}
