package indexer

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/domain/searchindex"
	"github.com/emergent-company/catalog-sync/domain/vectorindex"
	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/pkg/logger"
)

// Module provides the indexer and, when enabled, feeds it from the catalog
// change channel.
var Module = fx.Module("indexer",
	fx.Provide(
		provideIndexer,
		provideDispatcher,
	),
	fx.Invoke(RegisterListenerLifecycle),
)

func provideIndexer(
	engine searchindex.Engine,
	vectors *vectorindex.Service,
	queue Enqueuer,
	cfg *config.Config,
	log *slog.Logger,
) *Indexer {
	return NewIndexer(engine, vectors, queue, cfg.Indexer, cfg.SearchEngine.DefaultIndex, log)
}

func provideDispatcher(x *Indexer, repo *catalog.Repository, cfg *config.Config, log *slog.Logger) *Dispatcher {
	return NewDispatcher(x, repo, cfg.Indexer.DispatchBuffer, cfg.Indexer.DispatchWorkers, log)
}

// RegisterListenerLifecycle starts the dispatcher and the NOTIFY listener
// with the application.
func RegisterListenerLifecycle(lc fx.Lifecycle, d *Dispatcher, l *catalog.Listener, cfg *config.Config, log *slog.Logger) {
	if !cfg.Indexer.ListenEnabled {
		log.Info("catalog change listener disabled")
		return
	}
	log = log.With(logger.Scope("indexer.listener"))

	var cancel context.CancelFunc
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			d.Start(ctx)

			var listenCtx context.Context
			listenCtx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				err := l.Listen(listenCtx, func(ev catalog.ChangeEvent) {
					d.Submit(listenCtx, ev)
				})
				if err != nil && listenCtx.Err() == nil {
					log.Error("catalog change listener stopped", logger.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
				select {
				case <-done:
				case <-ctx.Done():
				}
			}
			return d.Stop(ctx)
		},
	})
}
