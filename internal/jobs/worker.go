// Package jobs holds the background execution primitives shared by the retry
// queue processor, the mutation dispatcher and the reindex coordinator: a
// polling worker, a bounded pool and a backoff schedule.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emergent-company/catalog-sync/pkg/logger"
)

// WorkerConfig contains configuration for a background worker
type WorkerConfig struct {
	// Name is a descriptive name for the worker (for logging)
	Name string
	// PollInterval is how often the process function runs (default: 5s)
	PollInterval time.Duration
	// RunOnStart runs the process function once immediately instead of
	// waiting for the first tick.
	RunOnStart bool
}

// DefaultWorkerConfig returns a WorkerConfig with the retry queue defaults
func DefaultWorkerConfig(name string) WorkerConfig {
	return WorkerConfig{
		Name:         name,
		PollInterval: 5 * time.Second,
	}
}

// ProcessFunc runs one polling cycle and reports how many items it handled
// and how many of those failed.
type ProcessFunc func(ctx context.Context) (processed, failed int, err error)

// Worker runs a ProcessFunc on a fixed interval until stopped. Stop waits for
// the in-flight cycle to finish.
type Worker struct {
	config    WorkerConfig
	log       *slog.Logger
	process   ProcessFunc
	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	mu        sync.Mutex

	processedCount int64
	successCount   int64
	failureCount   int64
	cycleCount     int64
	metricsMu      sync.RWMutex
}

// NewWorker creates a new background worker
func NewWorker(config WorkerConfig, log *slog.Logger, process ProcessFunc) *Worker {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}

	return &Worker{
		config:    config,
		log:       log.With(slog.String("worker", config.Name)),
		process:   process,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start begins the worker's polling loop. The loop is detached from ctx's
// cancellation so an fx start context does not stop it; use Stop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	w.mu.Unlock()

	w.log.Info("worker starting",
		slog.Duration("poll_interval", w.config.PollInterval))

	go w.run(context.WithoutCancel(ctx))

	return nil
}

// Stop gracefully stops the worker, waiting for the current cycle to complete
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	stopped := w.stoppedCh
	w.mu.Unlock()

	select {
	case <-stopped:
		w.log.Info("worker stopped gracefully")
	case <-ctx.Done():
		w.log.Warn("worker stop timeout, forcing shutdown")
	}

	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if w.config.RunOnStart {
		w.cycle(ctx)
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

func (w *Worker) cycle(ctx context.Context) {
	processed, failed, err := w.process(ctx)
	w.record(processed, failed)
	if err != nil && ctx.Err() == nil {
		w.log.Warn("process cycle failed", logger.Error(err))
	}
}

func (w *Worker) record(processed, failed int) {
	w.metricsMu.Lock()
	w.cycleCount++
	w.processedCount += int64(processed)
	w.failureCount += int64(failed)
	w.successCount += int64(processed - failed)
	w.metricsMu.Unlock()
}

// Metrics returns current worker metrics
func (w *Worker) Metrics() WorkerMetrics {
	w.metricsMu.RLock()
	defer w.metricsMu.RUnlock()

	return WorkerMetrics{
		Cycles:    w.cycleCount,
		Processed: w.processedCount,
		Succeeded: w.successCount,
		Failed:    w.failureCount,
	}
}

// IsRunning returns whether the worker is currently running
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// WorkerMetrics contains worker metrics
type WorkerMetrics struct {
	Cycles    int64 `json:"cycles"`
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}
