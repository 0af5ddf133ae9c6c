package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("github.com/posthog/duckconnect/engine")

var taskDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "duckconnect_partition_task_duration_seconds",
	Help:    "Duration of partition tasks in seconds",
	Buckets: prometheus.DefBuckets,
}, []string{"outcome"})

var tasksRunningGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "duckconnect_partition_tasks_running",
	Help: "Number of partition tasks currently holding a scheduler slot",
})

var jobsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "duckconnect_jobs_total",
	Help: "Total number of partition jobs by outcome",
}, []string{"outcome"})

// PanicError is a panic recovered from a task or request handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Scheduler runs partition tasks for every query in the process. At most
// maxTasks tasks run at once across all jobs.
type Scheduler struct {
	sem      *semaphore.Weighted
	maxTasks int64
}

// NewScheduler returns a scheduler with maxTasks slots, NumCPU when maxTasks <= 0.
func NewScheduler(maxTasks int) *Scheduler {
	if maxTasks <= 0 {
		maxTasks = runtime.NumCPU()
	}
	return &Scheduler{sem: semaphore.NewWeighted(int64(maxTasks)), maxTasks: int64(maxTasks)}
}

// MaxTasks returns the slot count.
func (s *Scheduler) MaxTasks() int { return int(s.maxTasks) }

// JobHandle controls a running job.
type JobHandle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

// Cancel aborts the job. Tasks see their context cancelled with cause.
func (h *JobHandle) Cancel(cause error) { h.cancel(cause) }

// Done is closed once every task has returned and callbacks have run.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes and returns its failure, if any.
func (h *JobHandle) Wait() error {
	<-h.done
	return h.err
}

// RunJob starts n tasks on s and returns immediately. onSuccess is called from
// the task's goroutine with each successful result. When any task fails the
// job is cancelled and onFailure is called exactly once with the first
// failure, wrapped in a JobAbortedError. Both callbacks must not block.
//
// Partitions acquire slots in index order, so low partitions start first.
func RunJob[T any](ctx context.Context, s *Scheduler, n int, task func(ctx context.Context, partition int) (T, error), onSuccess func(partition int, result T), onFailure func(error)) *JobHandle {
	jobCtx, cancel := context.WithCancelCause(ctx)
	h := &JobHandle{cancel: cancel, done: make(chan struct{})}

	var failOnce sync.Once
	fail := func(err error) {
		failOnce.Do(func() {
			h.err = err
			cancel(err)
			if onFailure != nil {
				onFailure(err)
			}
		})
	}

	go func() {
		defer close(h.done)
		defer cancel(nil)

		g, gctx := errgroup.WithContext(jobCtx)
		launched := 0
		for i := range n {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				break
			}
			launched++
			g.Go(func() error {
				defer s.sem.Release(1)
				res, err := runTask(gctx, i, task)
				if err != nil {
					err = &JobAbortedError{Partition: i, Cause: err}
					fail(err)
					return err
				}
				if onSuccess != nil {
					onSuccess(i, res)
				}
				return nil
			})
		}
		err := g.Wait()
		if err == nil && launched < n {
			// Cancelled from outside before every partition got a slot.
			err = context.Cause(jobCtx)
		}
		if err != nil {
			fail(err)
		}

		if h.err != nil {
			jobsCounter.WithLabelValues("failed").Inc()
			slog.Debug("Partition job failed.", "partitions", n, "error", h.err)
		} else {
			jobsCounter.WithLabelValues("succeeded").Inc()
		}
	}()
	return h
}

func runTask[T any](ctx context.Context, partition int, task func(context.Context, int) (T, error)) (res T, err error) {
	ctx, span := tracer.Start(ctx, "partition.task")
	span.SetAttributes(attribute.Int("partition", partition))
	start := time.Now()
	tasksRunningGauge.Inc()
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		tasksRunningGauge.Dec()
		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		taskDurationHistogram.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		span.End()
	}()
	return task(ctx, partition)
}
