package indexer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/pkg/apperror"
	"github.com/emergent-company/catalog-sync/pkg/logger"
)

// Resolver loads the current state of a referenced entity.
// *catalog.Repository implements it.
type Resolver interface {
	Resolve(ctx context.Context, ref catalog.Ref) (*catalog.Entity, error)
}

// Dispatcher hands mutation events to the indexer on a bounded buffer so
// the mutating caller never waits on the search engine. When the buffer is
// full the event is parked in the retry queue instead.
type Dispatcher struct {
	indexer   *Indexer
	resolver  Resolver
	indexName string
	workers   int
	log       *slog.Logger

	events chan catalog.ChangeEvent

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given buffer and worker count.
func NewDispatcher(indexer *Indexer, resolver Resolver, buffer, workers int, log *slog.Logger) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		indexer:   indexer,
		resolver:  resolver,
		indexName: indexer.DefaultIndex(),
		workers:   workers,
		log:       log.With(logger.Scope("indexer.dispatcher")),
		events:    make(chan catalog.ChangeEvent, buffer),
	}
}

// Start launches the workers. Calling Start on a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}

	ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	d.running = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.loop(ctx)
	}
	d.log.Info("dispatcher started", slog.Int("workers", d.workers), slog.Int("buffer", cap(d.events)))
}

// Stop cancels the workers and waits for them to exit or for ctx to end.
// Events still buffered are parked in the retry queue.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case ev := <-d.events:
			d.park(ctx, ev, "dispatch: shutting down")
		default:
			d.log.Info("dispatcher stopped")
			return nil
		}
	}
}

// Submit queues ev without blocking. It reports false when the buffer was
// full and the event went to the retry queue instead.
func (d *Dispatcher) Submit(ctx context.Context, ev catalog.ChangeEvent) bool {
	select {
	case d.events <- ev:
		return true
	default:
		d.park(ctx, ev, "dispatch: buffer full")
		return false
	}
}

func (d *Dispatcher) park(ctx context.Context, ev catalog.ChangeEvent, reason string) {
	d.indexer.Park(ctx, ev.ID, ev.FQN, ev.Type, reason)
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			d.Handle(ctx, ev)
		}
	}
}

// Handle applies one mutation event synchronously.
func (d *Dispatcher) Handle(ctx context.Context, ev catalog.ChangeEvent) Outcome {
	if ev.Op == catalog.OpDelete {
		return d.indexer.Delete(ctx, ev.Ref(), d.indexName)
	}

	entity, err := d.resolver.Resolve(ctx, ev.Ref())
	switch {
	case errors.Is(err, apperror.ErrStaleEntityReference):
		// removed between the mutation and now
		if ev.ID == "" {
			return OutcomeDeleted
		}
		return d.indexer.Delete(ctx, ev.Ref(), d.indexName)
	case err != nil:
		return d.indexer.Park(ctx, ev.ID, ev.FQN, ev.Type, Reason("resolve", err))
	}

	return d.indexer.Index(ctx, entity, d.indexName)
}
