package silo

import (
	"sync/atomic"
	"time"
)

// generationEpoch is the zero point of generation numbers.
var generationEpoch = time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)

// Generations allocates node generation numbers: whole seconds since
// generationEpoch, strictly increasing within one allocator. The cluster uses
// the generation to tell a restarted node apart from its previous incarnation
// on the same address.
type Generations struct {
	clock Clock
	last  atomic.Int64
}

// NewGenerations returns an allocator reading clock. A nil clock uses the
// system clock.
func NewGenerations(clock Clock) *Generations {
	if clock == nil {
		clock = RealClock{}
	}
	return &Generations{clock: clock}
}

// Next returns a generation greater than every previous result.
func (g *Generations) Next() int64 {
	for {
		candidate := int64(g.clock.Now().Sub(generationEpoch) / time.Second)
		last := g.last.Load()
		if candidate <= last {
			candidate = last + 1
		}
		if g.last.CompareAndSwap(last, candidate) {
			return candidate
		}
	}
}

// processGenerations is shared by every node in the process so restarts
// within one process never reuse a generation.
var processGenerations = NewGenerations(nil)
