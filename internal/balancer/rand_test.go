package balancer

import "math/rand"

// zeroSource always yields 0 so Intn(n) returns 0.
type zeroSource struct{}

func (zeroSource) Int63() int64 { return 0 }
func (zeroSource) Seed(int64)   {}

func newZeroRand() *rand.Rand {
	return rand.New(zeroSource{})
}
