package core

import "math/rand/v2"

// Sampler decides which in-scope vehicles are equipped, drawing from its own
// seeded stream so the equipped set is reproducible for a given seed.
type Sampler struct {
	rate float64
	rng  *rand.Rand
}

// NewSampler returns a sampler admitting roughly rate of all draws.
func NewSampler(rate float64, seed uint64) *Sampler {
	return &Sampler{
		rate: rate,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Rate returns the configured penetration rate.
func (s *Sampler) Rate() float64 { return s.rate }

// Equip draws once. Rates at or above 1 always equip and rates at or below 0
// never do; neither consumes a draw.
func (s *Sampler) Equip() bool {
	switch {
	case s.rate >= 1:
		return true
	case s.rate <= 0:
		return false
	}
	return s.rng.Float64() < s.rate
}
