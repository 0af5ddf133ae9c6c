package connect

import (
	"errors"
	"testing"
	"time"

	"github.com/posthog/duckconnect/arrowbatch"
)

func batches(rowCounts ...int64) []arrowbatch.Batch {
	out := make([]arrowbatch.Batch, len(rowCounts))
	for i, n := range rowCounts {
		out[i] = arrowbatch.Batch{RowCount: n}
	}
	return out
}

func TestBatchSetTakeWaitsForSlot(t *testing.T) {
	s := newPartitionBatchSet(2)
	got := make(chan []arrowbatch.Batch)
	go func() {
		b, err := s.take(1)
		if err != nil {
			t.Errorf("take: %v", err)
		}
		got <- b
	}()

	select {
	case <-got:
		t.Fatal("take returned before the slot was filled")
	case <-time.After(20 * time.Millisecond):
	}

	s.put(1, batches(7))
	select {
	case b := <-got:
		if len(b) != 1 || b[0].RowCount != 7 {
			t.Fatalf("got %v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("take did not wake up")
	}
}

func TestBatchSetTakeClearsSlot(t *testing.T) {
	s := newPartitionBatchSet(1)
	s.put(0, batches(1, 2))
	if _, err := s.take(0); err != nil {
		t.Fatalf("take: %v", err)
	}
	if s.slots[0] != nil || s.ready[0] {
		t.Fatal("slot not cleared after take")
	}
}

func TestBatchSetFirstFailureWins(t *testing.T) {
	s := newPartitionBatchSet(3)
	first := errors.New("first")
	s.fail(first)
	s.fail(errors.New("second"))

	if _, err := s.take(0); !errors.Is(err, first) {
		t.Fatalf("err = %v, want first", err)
	}
}

func TestBatchSetArrivedDataWinsOverFailure(t *testing.T) {
	s := newPartitionBatchSet(2)
	s.put(0, batches(3))
	s.fail(errors.New("boom"))

	b, err := s.take(0)
	if err != nil || len(b) != 1 {
		t.Fatalf("take(0) = %v, %v; want the stored batch", b, err)
	}
	if _, err := s.take(1); err == nil {
		t.Fatal("take(1) succeeded after failure")
	}
}

func TestBatchSetDoubleCompletionFails(t *testing.T) {
	tests := []struct {
		name string
		run  func(s *partitionBatchSet)
	}{
		{"twice", func(s *partitionBatchSet) { s.put(0, nil); s.put(0, nil) }},
		{"after take", func(s *partitionBatchSet) {
			s.put(0, nil)
			_, _ = s.take(0)
			s.put(0, nil)
		}},
		{"out of range", func(s *partitionBatchSet) { s.put(5, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newPartitionBatchSet(2)
			tt.run(s)
			if s.failure() == nil {
				t.Fatal("expected a recorded failure")
			}
		})
	}
}

func TestBatchSetFailureWakesWaiter(t *testing.T) {
	s := newPartitionBatchSet(1)
	done := make(chan error)
	go func() {
		_, err := s.take(0)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	s.fail(errors.New("boom"))
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected failure")
		}
	case <-time.After(time.Second):
		t.Fatal("failure did not wake the drain")
	}
}
