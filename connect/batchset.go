package connect

import (
	"fmt"
	"sync"

	"github.com/posthog/duckconnect/arrowbatch"
)

// partitionBatchSet is the reorder buffer between partition tasks and the
// drain loop. Each slot is written once by its task and read once by the
// drain, which clears it. The failure slot keeps the first error only.
//
// One lock and condition guard both, so the drain waits on a single
// predicate for "slot i arrived or the job failed".
type partitionBatchSet struct {
	mu    sync.Mutex
	cond  *sync.Cond
	slots [][]arrowbatch.Batch
	ready []bool
	taken []bool
	err   error
}

func newPartitionBatchSet(n int) *partitionBatchSet {
	s := &partitionBatchSet{
		slots: make([][]arrowbatch.Batch, n),
		ready: make([]bool, n),
		taken: make([]bool, n),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// put stores the batches of partition i. It never blocks beyond the lock.
func (s *partitionBatchSet) put(i int, batches []arrowbatch.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.slots) || s.ready[i] || s.taken[i] {
		if s.err == nil {
			s.err = fmt.Errorf("partition %d completed twice or out of range", i)
		}
		s.cond.Broadcast()
		return
	}
	s.slots[i] = batches
	s.ready[i] = true
	s.cond.Broadcast()
}

// fail records err unless a failure is already recorded.
func (s *partitionBatchSet) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
}

// failure returns the recorded failure, if any.
func (s *partitionBatchSet) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// take blocks until partition i has arrived or the job has failed. Arrived
// data wins over a failure so partitions that finished before it are still
// delivered. The slot is cleared on return.
func (s *partitionBatchSet) take(i int) ([]arrowbatch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.ready[i] && s.err == nil {
		s.cond.Wait()
	}
	if !s.ready[i] {
		return nil, s.err
	}
	batches := s.slots[i]
	s.slots[i] = nil
	s.ready[i] = false
	s.taken[i] = true
	return batches, nil
}
