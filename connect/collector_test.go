package connect

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/posthog/duckconnect/arrowbatch"
	"github.com/posthog/duckconnect/engine"
)

// orderedRunner runs every task up front, then completes partitions in the
// given order. A partition listed in failures reports that error instead.
type orderedRunner struct {
	order    func(n int) []int
	failures map[int]error
}

type fakeJob struct {
	done chan struct{}
}

func (j *fakeJob) Cancel(error) {}

func (j *fakeJob) Wait() error {
	<-j.done
	return nil
}

func (r *orderedRunner) RunPartitions(ctx context.Context, n int, task PartitionTask, onSuccess func(int, []arrowbatch.Batch), onFailure func(error)) Job {
	job := &fakeJob{done: make(chan struct{})}
	go func() {
		defer close(job.done)
		results := make([][]arrowbatch.Batch, n)
		errs := make([]error, n)
		for i := range n {
			results[i], errs[i] = task(ctx, i)
		}
		order := ascending(n)
		if r.order != nil {
			order = r.order(n)
		}
		for _, i := range order {
			if err := r.failures[i]; err != nil {
				onFailure(err)
				continue
			}
			if errs[i] != nil {
				onFailure(errs[i])
				continue
			}
			onSuccess(i, results[i])
		}
	}()
	return job
}

func ascending(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func descending(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = n - 1 - i
	}
	return out
}

type recordingSender struct {
	mu        sync.Mutex
	responses []*ExecutePlanResponse
	failAfter int
}

func (s *recordingSender) Send(r *ExecutePlanResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.responses) >= s.failAfter {
		return errors.New("client went away")
	}
	s.responses = append(s.responses, r)
	return nil
}

func (s *recordingSender) batches() []*ArrowBatch {
	var out []*ArrowBatch
	for _, r := range s.responses {
		if r.ArrowBatch != nil {
			out = append(out, r.ArrowBatch)
		}
	}
	return out
}

func (s *recordingSender) trailers() int {
	n := 0
	for _, r := range s.responses {
		if r.Metrics != nil {
			n++
		}
	}
	return n
}

func rangeExecutable(t *testing.T, start, end int64, partitions int) *engine.Executable {
	t.Helper()
	r, err := engine.NewRangeExec(1, start, end, 1, partitions)
	if err != nil {
		t.Fatalf("NewRangeExec: %v", err)
	}
	return &engine.Executable{Root: r, Schema: r.Schema()}
}

func testContext() *engine.ExecutionContext {
	return engine.NewExecutionContext(engine.SessionKey{UserID: "u", SessionID: "s"}, nil, nil)
}

// decodeIDs reads the id column of a range batch.
func decodeIDs(t *testing.T, b *ArrowBatch) (*arrow.Schema, []int64) {
	t.Helper()
	r, err := ipc.NewReader(bytes.NewReader(b.Data))
	if err != nil {
		t.Fatalf("ipc.NewReader: %v", err)
	}
	defer r.Release()
	var ids []int64
	for r.Next() {
		col := r.RecordBatch().Column(0).(*array.Int64)
		for i := 0; i < col.Len(); i++ {
			ids = append(ids, col.Value(i))
		}
	}
	if err := r.Err(); err != nil {
		t.Fatalf("read batch: %v", err)
	}
	if int64(len(ids)) != b.RowCount {
		t.Fatalf("batch says %d rows, payload has %d", b.RowCount, len(ids))
	}
	return r.Schema(), ids
}

func TestCollectEmitsPartitionsInOrder(t *testing.T) {
	tests := []struct {
		name  string
		order func(int) []int
	}{
		{"ascending", ascending},
		{"descending", descending},
		{"interleaved", func(n int) []int { return []int{2, 0, 3, 1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := rangeExecutable(t, 0, 100, 4)
			c := NewCollector(CollectorConfig{MaxRecordsPerBatch: 10}, &orderedRunner{order: tt.order})
			send := &recordingSender{}

			if err := c.Collect(context.Background(), testContext(), exec, "client-1", "op-1", send); err != nil {
				t.Fatalf("Collect: %v", err)
			}

			var ids []int64
			for _, b := range send.batches() {
				if b.RowCount > 10 {
					t.Errorf("batch of %d rows exceeds the cap", b.RowCount)
				}
				_, got := decodeIDs(t, b)
				ids = append(ids, got...)
			}
			if len(ids) != 100 {
				t.Fatalf("got %d rows, want 100", len(ids))
			}
			for i, id := range ids {
				if id != int64(i) {
					t.Fatalf("row %d has id %d", i, id)
				}
			}
			// 25 rows per partition at 10 per batch.
			if n := len(send.batches()); n != 12 {
				t.Errorf("got %d batches, want 12", n)
			}
			last := send.responses[len(send.responses)-1]
			if last.Metrics == nil || send.trailers() != 1 {
				t.Fatal("stream does not end with exactly one metrics trailer")
			}
			for _, r := range send.responses {
				if r.ClientID != "client-1" || r.OperationID != "op-1" {
					t.Fatalf("response ids = %q/%q", r.ClientID, r.OperationID)
				}
			}
		})
	}
}

func TestCollectStopsAtFailedPartition(t *testing.T) {
	boom := engine.Newf(engine.ClassExecution, "partition 2 exploded")
	exec := rangeExecutable(t, 0, 40, 4)
	c := NewCollector(CollectorConfig{MaxRecordsPerBatch: 5}, &orderedRunner{failures: map[int]error{2: boom}})
	send := &recordingSender{}

	err := c.Collect(context.Background(), testContext(), exec, "c", "op", send)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the partition failure", err)
	}

	var ids []int64
	for _, b := range send.batches() {
		_, got := decodeIDs(t, b)
		ids = append(ids, got...)
	}
	// Partitions 0 and 1 hold ids 0..19.
	if len(ids) != 20 {
		t.Fatalf("got %d rows, want the 20 rows of partitions 0 and 1", len(ids))
	}
	for i, id := range ids {
		if id != int64(i) {
			t.Fatalf("row %d has id %d", i, id)
		}
	}
	if send.trailers() != 0 {
		t.Fatal("metrics trailer sent after a failure")
	}
}

func TestCollectFailureAtFirstPartitionSendsNothing(t *testing.T) {
	boom := errors.New("boom")
	exec := rangeExecutable(t, 0, 40, 4)
	c := NewCollector(CollectorConfig{}, &orderedRunner{order: descending, failures: map[int]error{0: boom}})
	send := &recordingSender{}

	if err := c.Collect(context.Background(), testContext(), exec, "c", "op", send); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(send.responses) != 0 {
		t.Fatalf("got %d responses, want none", len(send.responses))
	}
}

func TestCollectAllEmptyPartitionsSendsPlaceholder(t *testing.T) {
	exec := rangeExecutable(t, 0, 0, 3)
	c := NewCollector(CollectorConfig{}, &orderedRunner{order: descending})
	send := &recordingSender{}

	if err := c.Collect(context.Background(), testContext(), exec, "c", "op", send); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(send.responses) != 2 {
		t.Fatalf("got %d responses, want placeholder + trailer", len(send.responses))
	}
	placeholder := send.responses[0].ArrowBatch
	if placeholder == nil || placeholder.RowCount != 0 {
		t.Fatalf("first response = %+v, want an empty batch", send.responses[0])
	}
	schema, ids := decodeIDs(t, placeholder)
	if len(ids) != 0 || !schema.Equal(exec.Schema) {
		t.Fatalf("placeholder schema %s with %d rows", schema, len(ids))
	}
	if send.responses[1].Metrics == nil {
		t.Fatal("second response is not the metrics trailer")
	}
}

type zeroPartitions struct {
	engine.Operator
}

func (zeroPartitions) NumPartitions() int { return 0 }

func TestCollectZeroPartitionsSkipsScheduler(t *testing.T) {
	exec := rangeExecutable(t, 0, 10, 1)
	exec.Root = zeroPartitions{exec.Root}
	runner := &countingRunner{}
	send := &recordingSender{}

	if err := NewCollector(CollectorConfig{}, runner).Collect(context.Background(), testContext(), exec, "c", "op", send); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if runner.calls != 0 {
		t.Fatal("scheduler invoked for a plan with no partitions")
	}
	if len(send.batches()) != 1 || send.batches()[0].RowCount != 0 || send.trailers() != 1 {
		t.Fatalf("responses = %d batches, %d trailers", len(send.batches()), send.trailers())
	}
}

type countingRunner struct {
	calls int
}

func (r *countingRunner) RunPartitions(context.Context, int, PartitionTask, func(int, []arrowbatch.Batch), func(error)) Job {
	r.calls++
	return &fakeJob{done: make(chan struct{})}
}

func TestCollectSendFailureAborts(t *testing.T) {
	exec := rangeExecutable(t, 0, 100, 4)
	c := NewCollector(CollectorConfig{MaxRecordsPerBatch: 10}, &orderedRunner{})
	send := &recordingSender{failAfter: 3}

	if err := c.Collect(context.Background(), testContext(), exec, "c", "op", send); err == nil {
		t.Fatal("expected the send error")
	}
	if len(send.responses) != 3 {
		t.Fatalf("got %d responses", len(send.responses))
	}
}

// blockingRunner never completes any partition.
type blockingRunner struct{}

func (blockingRunner) RunPartitions(ctx context.Context, _ int, _ PartitionTask, _ func(int, []arrowbatch.Batch), _ func(error)) Job {
	job := &fakeJob{done: make(chan struct{})}
	go func() {
		<-ctx.Done()
		close(job.done)
	}()
	return job
}

func TestCollectCancellationWakesDrain(t *testing.T) {
	exec := rangeExecutable(t, 0, 10, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewCollector(CollectorConfig{}, blockingRunner{}).Collect(ctx, testContext(), exec, "c", "op", &recordingSender{})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not observe cancellation")
	}
}

func TestCollectWithScheduler(t *testing.T) {
	exec := rangeExecutable(t, 0, 1000, 8)
	c := NewCollector(CollectorConfig{MaxRecordsPerBatch: 64}, SchedulerRunner{Scheduler: engine.NewScheduler(3)})
	send := &recordingSender{}

	if err := c.Collect(context.Background(), testContext(), exec, "c", "op", send); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var next int64
	for _, b := range send.batches() {
		_, ids := decodeIDs(t, b)
		for _, id := range ids {
			if id != next {
				t.Fatalf("id %d, want %d", id, next)
			}
			next++
		}
	}
	if next != 1000 {
		t.Fatalf("got %d rows", next)
	}
	metrics := send.responses[len(send.responses)-1].Metrics.Metrics
	if len(metrics) != 1 || metrics[0].ExecutionMetrics[engine.MetricNumOutputRows].Value != 1000 {
		t.Fatalf("metrics = %+v", metrics)
	}
}

func TestMaxBatchBytesAppliesSafetyFactor(t *testing.T) {
	c := NewCollector(CollectorConfig{MaxBatchSize: 1000}, nil)
	if got := c.maxBatchBytes(); got != 700 {
		t.Fatalf("maxBatchBytes = %d, want 700", got)
	}
	if got := NewCollector(CollectorConfig{}, nil).maxBatchBytes(); got != 0 {
		t.Fatalf("unset max batch size gave budget %d", got)
	}
}
