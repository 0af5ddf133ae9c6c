package connect

import (
	"context"
	"errors"
	"log/slog"

	"github.com/posthog/duckconnect/arrowbatch"
	"github.com/posthog/duckconnect/engine"
)

// batchSizeSafetyFactor scales the configured max batch size down to the
// encoder's byte budget. The encoder only estimates sizes.
const batchSizeSafetyFactor = 0.7

var errCollectDone = errors.New("result collection finished")

// ResponseSender delivers responses to the client in order.
type ResponseSender interface {
	Send(*ExecutePlanResponse) error
}

// PartitionTask computes the encoded batches of one partition.
type PartitionTask func(ctx context.Context, partition int) ([]arrowbatch.Batch, error)

// Job is a running partition job.
type Job interface {
	Cancel(cause error)
	Wait() error
}

// PartitionRunner runs n partition tasks in parallel. onSuccess is called once
// per successful partition and onFailure at most once, with the first
// failure. Neither callback may block.
type PartitionRunner interface {
	RunPartitions(ctx context.Context, n int, task PartitionTask, onSuccess func(int, []arrowbatch.Batch), onFailure func(error)) Job
}

// SchedulerRunner runs partitions on the process-wide engine scheduler.
type SchedulerRunner struct {
	Scheduler *engine.Scheduler
}

func (r SchedulerRunner) RunPartitions(ctx context.Context, n int, task PartitionTask, onSuccess func(int, []arrowbatch.Batch), onFailure func(error)) Job {
	return engine.RunJob[[]arrowbatch.Batch](ctx, r.Scheduler, n, task, onSuccess, onFailure)
}

// CollectorConfig bounds the batches a Collector produces.
type CollectorConfig struct {
	// MaxBatchSize is the largest message the transport accepts. Batches are
	// budgeted at 70% of it.
	MaxBatchSize int64
	// MaxRecordsPerBatch applies unless the session overrides it.
	MaxRecordsPerBatch int
}

// Collector streams a query's partitions to the client in partition order,
// whatever order they complete in.
type Collector struct {
	cfg    CollectorConfig
	runner PartitionRunner
}

func NewCollector(cfg CollectorConfig, runner PartitionRunner) *Collector {
	return &Collector{cfg: cfg, runner: runner}
}

func (c *Collector) maxBatchBytes() int64 {
	if c.cfg.MaxBatchSize <= 0 {
		return 0
	}
	return int64(float64(c.cfg.MaxBatchSize) * batchSizeSafetyFactor)
}

// Collect runs exec and sends its batches, then the metrics trailer. A query
// that produces no rows still gets one empty batch carrying its schema. On
// failure the batches of partitions already drained have been sent and the
// error is returned; nothing of the failing partition or later ones is sent.
// A partition that completed before the failure was recorded is still sent
// when its turn comes, even though the job has already failed.
func (c *Collector) Collect(ctx context.Context, ec *engine.ExecutionContext, exec *engine.Executable, clientID, operationID string, send ResponseSender) error {
	enc := arrowbatch.NewEncoder(exec.Schema, ec.MaxRecordsPerBatch(c.cfg.MaxRecordsPerBatch), c.maxBatchBytes(), ec.Timezone())
	respond := func(r *ExecutePlanResponse) error {
		r.ClientID = clientID
		r.OperationID = operationID
		return send.Send(r)
	}

	emitted := 0
	if n := exec.Root.NumPartitions(); n > 0 {
		sent, err := c.drain(ctx, exec.Root, n, enc, respond)
		if err != nil {
			return err
		}
		emitted = sent
	}

	if emitted == 0 {
		b, err := enc.Empty()
		if err != nil {
			return err
		}
		if err := respond(&ExecutePlanResponse{ArrowBatch: &ArrowBatch{RowCount: 0, Data: b.Data}}); err != nil {
			return err
		}
		observeBatch(0, len(b.Data))
	}

	return respond(&ExecutePlanResponse{Metrics: &Metrics{Metrics: BuildMetrics(exec.Root)}})
}

func (c *Collector) drain(ctx context.Context, root engine.Operator, n int, enc *arrowbatch.Encoder, respond func(*ExecutePlanResponse) error) (int, error) {
	set := newPartitionBatchSet(n)
	stop := context.AfterFunc(ctx, func() { set.fail(context.Cause(ctx)) })
	defer stop()

	job := c.runner.RunPartitions(ctx, n, partitionTask(root, enc), set.put, set.fail)
	defer func() {
		job.Cancel(errCollectDone)
		if err := job.Wait(); err != nil && !errors.Is(err, errCollectDone) && set.failure() == nil {
			slog.Warn("Partition job failed after results were drained.", "error", err)
		}
	}()

	emitted := 0
	for i := range n {
		batches, err := set.take(i)
		if err != nil {
			return emitted, err
		}
		for _, b := range batches {
			if err := respond(&ExecutePlanResponse{ArrowBatch: &ArrowBatch{RowCount: b.RowCount, Data: b.Data}}); err != nil {
				return emitted, err
			}
			observeBatch(b.RowCount, len(b.Data))
			emitted++
		}
	}
	return emitted, nil
}

func partitionTask(root engine.Operator, enc *arrowbatch.Encoder) PartitionTask {
	return func(ctx context.Context, partition int) ([]arrowbatch.Batch, error) {
		rows, err := root.Execute(ctx, partition)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()

		var batches []arrowbatch.Batch
		for b, err := range enc.Encode(rows) {
			if err != nil {
				return nil, err
			}
			if err := ctx.Err(); err != nil {
				return nil, context.Cause(ctx)
			}
			batches = append(batches, b)
		}
		return batches, nil
	}
}
