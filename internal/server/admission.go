package server

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned by Gate.Acquire when the request should be shed with
// 503 and a Retry-After.
var ErrBusy = errors.New("server at capacity")

// Gate is the admission gate in front of the decoder. It bounds in-flight
// decodes with a weighted semaphore and bounds the line of requests waiting
// for a slot with a counter under a mutex.
//
// In fail-fast mode the gate sheds the moment every slot is held or anyone is
// already waiting. The upstream source buffers audio continuously, so waiting
// here only guarantees that the server decodes stale audio while newer audio
// piles up upstream; shedding lets the source submit a larger, more useful
// window on its next attempt.
type Gate struct {
	slots    *semaphore.Weighted
	maxQueue int
	failFast bool

	mu      sync.Mutex
	held    int
	waiting int
	cap     int
}

// NewGate builds a gate with maxConcurrent admission slots and a waiting-line
// ceiling of maxQueue.
func NewGate(maxConcurrent, maxQueue int, failFast bool) *Gate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Gate{
		slots:    semaphore.NewWeighted(int64(maxConcurrent)),
		maxQueue: maxQueue,
		failFast: failFast,
		cap:      maxConcurrent,
	}
}

// Acquire admits the request or returns ErrBusy. On success the returned
// release function must be called exactly once on every exit path. A
// cancelled ctx aborts the wait for a slot.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	g.mu.Lock()
	if g.failFast && (g.held >= g.cap || g.waiting > 0) {
		g.mu.Unlock()
		return nil, ErrBusy
	}
	if g.waiting >= g.maxQueue {
		g.mu.Unlock()
		return nil, ErrBusy
	}
	g.waiting++
	g.mu.Unlock()

	if err := g.slots.Acquire(ctx, 1); err != nil {
		g.mu.Lock()
		g.waiting--
		g.mu.Unlock()
		return nil, err
	}

	g.mu.Lock()
	g.waiting--
	g.held++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.held--
			g.mu.Unlock()
			g.slots.Release(1)
		})
	}, nil
}

// Stats reports the gate's current occupancy, for logs and tests.
func (g *Gate) Stats() (held, waiting int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held, g.waiting
}
