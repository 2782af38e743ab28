package train

import (
	"fmt"
	"sync"
)

// Communicator is the collective interface between data-parallel workers.
// The sole cross-worker synchronization point per optimizer step is the
// gradient all-reduce: a hard barrier, not best-effort. Every worker must
// reach it or the run deadlocks.
type Communicator interface {
	Rank() int
	WorldSize() int

	// AllReduceSum replaces buf on every worker with the elementwise sum of
	// all workers' buffers. Blocks until every worker has contributed.
	AllReduceSum(buf []float64) error
}

// SingleProcess is the no-op communicator for single-worker runs.
type SingleProcess struct{}

func (SingleProcess) Rank() int                    { return 0 }
func (SingleProcess) WorldSize() int               { return 1 }
func (SingleProcess) AllReduceSum([]float64) error { return nil }

// NewGroup builds an in-process communicator group connecting worldSize
// workers, one per goroutine. Each returned Communicator belongs to exactly
// one worker.
func NewGroup(worldSize int) []Communicator {
	g := &group{world: worldSize}
	g.cond = sync.NewCond(&g.mu)
	members := make([]Communicator, worldSize)
	for rank := range members {
		members[rank] = &member{rank: rank, group: g}
	}
	return members
}

type group struct {
	world int

	mu     sync.Mutex
	cond   *sync.Cond
	sum    []float64
	result []float64
	count  int
	gen    uint64
	err    error
}

type member struct {
	rank  int
	group *group
}

func (m *member) Rank() int {
	return m.rank
}

func (m *member) WorldSize() int {
	return m.group.world
}

func (m *member) AllReduceSum(buf []float64) error {
	g := m.group
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.count == 0 {
		g.sum = make([]float64, len(buf))
		g.err = nil
	}
	if len(buf) != len(g.sum) {
		// A length mismatch means the workers have diverged; poison the
		// round so every participant fails rather than deadlocks.
		g.err = fmt.Errorf("all-reduce length mismatch: rank %d sent %d values, round has %d", m.rank, len(buf), len(g.sum))
	} else {
		for i, v := range buf {
			g.sum[i] += v
		}
	}

	g.count++
	myGen := g.gen
	if g.count == g.world {
		g.result = g.sum
		g.count = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		for g.gen == myGen {
			g.cond.Wait()
		}
	}

	if g.err != nil {
		return g.err
	}
	copy(buf, g.result)
	return nil
}
