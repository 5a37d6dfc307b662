// Package services implements the push notification pipeline: token management,
// delivery tracking, fanout, the FCM sender and the scheduled retry duties.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NomadCrew/order-push-backend/config"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Job is one unit of background dispatch work.
type Job struct {
	// Name is used for logging only
	Name    string
	Execute func(ctx context.Context) error
}

// WorkerPool runs dispatch jobs off the request path on a fixed number of
// goroutines fed by a bounded queue.
type WorkerPool struct {
	jobQueue chan Job
	wg       sync.WaitGroup
	// mu guards running and the send side of jobQueue.
	mu      sync.RWMutex
	running bool
	closed  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	log     *zap.SugaredLogger
	metrics *workerPoolMetrics
	config  config.WorkerPoolConfig
}

type workerPoolMetrics struct {
	queueDepth    prometheus.Gauge
	activeWorkers prometheus.Gauge
	completedJobs prometheus.Counter
	droppedJobs   prometheus.Counter
	errorCount    prometheus.Counter
	jobDuration   prometheus.Histogram
}

func newWorkerPoolMetrics(reg prometheus.Registerer) *workerPoolMetrics {
	factory := promauto.With(reg)
	return &workerPoolMetrics{
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "push_dispatch_queue_depth",
			Help: "Current number of dispatch jobs waiting in queue",
		}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "push_dispatch_active_workers",
			Help: "Current number of workers executing dispatch jobs",
		}),
		completedJobs: factory.NewCounter(prometheus.CounterOpts{
			Name: "push_dispatch_completed_jobs_total",
			Help: "Total number of dispatch jobs executed",
		}),
		droppedJobs: factory.NewCounter(prometheus.CounterOpts{
			Name: "push_dispatch_dropped_jobs_total",
			Help: "Total number of dispatch jobs rejected because the queue was full",
		}),
		errorCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "push_dispatch_errors_total",
			Help: "Total number of dispatch jobs that returned an error",
		}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "push_dispatch_job_duration_seconds",
			Help:    "Time taken to execute dispatch jobs",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// NewWorkerPool creates a pool registering its metrics on reg.
// The pool must be started with Start() before jobs are executed.
func NewWorkerPool(cfg config.WorkerPoolConfig, reg prometheus.Registerer) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		jobQueue: make(chan Job, cfg.QueueSize),
		baseCtx:  ctx,
		cancel:   cancel,
		log:      logger.GetLogger().Named("dispatch-pool"),
		metrics:  newWorkerPoolMetrics(reg),
		config:   cfg,
	}
}

// Start launches the workers. Calling it more than once is a no-op.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running || wp.closed {
		return
	}
	wp.running = true

	wp.log.Infow("Starting dispatch worker pool",
		"maxWorkers", wp.config.MaxWorkers,
		"queueSize", wp.config.QueueSize)

	for i := 0; i < wp.config.MaxWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// worker drains the queue until it is closed.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	for job := range wp.jobQueue {
		wp.metrics.queueDepth.Dec()
		wp.executeJob(id, job)
	}
}

func (wp *WorkerPool) jobTimeout() time.Duration {
	if wp.config.JobTimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(wp.config.JobTimeoutSeconds) * time.Second
}

func (wp *WorkerPool) executeJob(workerID int, job Job) {
	wp.metrics.activeWorkers.Inc()
	defer wp.metrics.activeWorkers.Dec()

	start := time.Now()
	ctx, cancel := context.WithTimeout(wp.baseCtx, wp.jobTimeout())
	defer cancel()

	err := wp.runJob(ctx, job)
	elapsed := time.Since(start)

	if err != nil {
		wp.log.Errorw("Dispatch job failed",
			"job", job.Name,
			"workerId", workerID,
			"error", err,
			"duration", elapsed)
		wp.metrics.errorCount.Inc()
	} else {
		wp.log.Debugw("Dispatch job completed",
			"job", job.Name,
			"workerId", workerID,
			"duration", elapsed)
	}

	wp.metrics.jobDuration.Observe(elapsed.Seconds())
	wp.metrics.completedJobs.Inc()
}

// runJob converts a panicking job into an error so the worker survives.
func (wp *WorkerPool) runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Execute(ctx)
}

// Submit queues job without blocking. It returns false when the queue is full
// or the pool has been shut down.
func (wp *WorkerPool) Submit(job Job) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.closed {
		wp.log.Warnw("Dispatch job rejected, pool is shut down", "job", job.Name)
		return false
	}

	select {
	case wp.jobQueue <- job:
		wp.metrics.queueDepth.Inc()
		return true
	default:
		wp.metrics.droppedJobs.Inc()
		wp.log.Warnw("Dispatch job dropped, queue full",
			"job", job.Name,
			"queueSize", wp.config.QueueSize)
		return false
	}
}

// Shutdown stops accepting jobs and lets workers drain what is already queued.
// If ctx expires first, in-flight jobs are cancelled and ctx.Err() is returned.
func (wp *WorkerPool) Shutdown(ctx context.Context) error {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return nil
	}
	wp.closed = true
	wp.running = false
	close(wp.jobQueue)
	wp.mu.Unlock()

	wp.log.Infow("Draining dispatch worker pool", "queued", len(wp.jobQueue))

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.cancel()
		wp.log.Info("Dispatch worker pool drained")
		return nil
	case <-ctx.Done():
		wp.cancel()
		wp.log.Warn("Dispatch worker pool shutdown timed out, cancelling in-flight jobs")
		return ctx.Err()
	}
}

// QueueDepth returns the number of jobs waiting in the queue.
func (wp *WorkerPool) QueueDepth() int {
	return len(wp.jobQueue)
}

// IsRunning reports whether workers have been started and not shut down.
func (wp *WorkerPool) IsRunning() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.running
}
