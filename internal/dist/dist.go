// Package dist reduces training statistics across data-parallel replicas.
// Replicas run as goroutines inside one process and meet at a channel-backed
// all-reduce.
package dist

import (
	"context"
	"fmt"
	"sync"
)

// Communicator is the reduction surface the training loop uses.
type Communicator interface {
	Rank() int
	World() int
	// AllReduceMean blocks until every rank has contributed vals of the
	// same length, then returns the element-wise mean to all ranks.
	AllReduceMean(ctx context.Context, vals []float64) ([]float64, error)
}

// Single is the world-size-1 communicator.
type Single struct{}

// Rank is always 0.
func (Single) Rank() int { return 0 }

// World is always 1.
func (Single) World() int { return 1 }

// AllReduceMean returns a copy of vals.
func (Single) AllReduceMean(_ context.Context, vals []float64) ([]float64, error) {
	return append([]float64(nil), vals...), nil
}

// Group coordinates a fixed set of in-process ranks.
type Group struct {
	world int

	mu      sync.Mutex
	current *round
}

type round struct {
	sum   []float64
	count int
	done  chan struct{}
	out   []float64
	err   error
}

// NewGroup returns one communicator per rank.
func NewGroup(world int) []Communicator {
	if world < 1 {
		world = 1
	}
	g := &Group{world: world}
	comms := make([]Communicator, world)
	for rank := 0; rank < world; rank++ {
		comms[rank] = &peer{g: g, rank: rank}
	}
	return comms
}

type peer struct {
	g    *Group
	rank int
}

func (p *peer) Rank() int {
	return p.rank
}

func (p *peer) World() int {
	return p.g.world
}

func (p *peer) AllReduceMean(ctx context.Context, vals []float64) ([]float64, error) {
	g := p.g
	g.mu.Lock()
	r := g.current
	if r == nil {
		r = &round{sum: make([]float64, len(vals)), done: make(chan struct{})}
		g.current = r
	}
	if len(vals) != len(r.sum) {
		// Poison the round so every participant sees the mismatch.
		r.err = fmt.Errorf("dist: rank %d contributed %d values, round has %d",
			p.rank, len(vals), len(r.sum))
	} else {
		for i, v := range vals {
			r.sum[i] += v
		}
	}
	r.count++
	if r.count == g.world {
		out := make([]float64, len(r.sum))
		for i, v := range r.sum {
			out[i] = v / float64(g.world)
		}
		r.out = out
		g.current = nil
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}
	if r.err != nil {
		return nil, r.err
	}
	return append([]float64(nil), r.out...), nil
}
