package main

import (
	"context"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/domain/indexer"
	"github.com/emergent-company/catalog-sync/domain/reindex"
	"github.com/emergent-company/catalog-sync/domain/retryqueue"
	"github.com/emergent-company/catalog-sync/domain/searchindex"
	"github.com/emergent-company/catalog-sync/domain/vectorindex"
	"github.com/emergent-company/catalog-sync/internal/storage"
	"github.com/emergent-company/catalog-sync/pkg/embeddings"
)

// pipeline is the server's index pipeline assembled without fx.
type pipeline struct {
	repo      *catalog.Repository
	engine    searchindex.Engine
	vectors   *vectorindex.Service
	store     *retryqueue.Store
	indexer   *indexer.Indexer
	processor *retryqueue.Processor
	coord     *reindex.Coordinator
}

func (a *app) pipeline(ctx context.Context) (*pipeline, error) {
	cfg := a.cfg

	registry, err := vectorindex.LoadRegistry(cfg.Vector.CapabilitiesFile)
	if err != nil {
		return nil, err
	}
	emb, err := embeddings.Open(ctx, cfg.Embeddings, a.log)
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		repo:  catalog.NewRepository(a.db, a.log),
		store: retryqueue.NewStore(a.db, a.log),
	}
	p.engine = searchindex.NewThrottledEngine(
		searchindex.NewPostgresEngine(a.db, a.log),
		cfg.SearchEngine.RPS, cfg.SearchEngine.Burst,
	)
	index := cfg.SearchEngine.DefaultIndex
	p.vectors = vectorindex.NewService(registry, p.engine, emb, cfg.Vector, index, a.log)
	p.indexer = indexer.NewIndexer(p.engine, p.vectors, p.store, cfg.Indexer, index, a.log)

	suspensions := retryqueue.NewSuspensions()
	p.processor = retryqueue.NewProcessor(p.store, p.repo, p.indexer, suspensions, nil, cfg.RetryQueue, index, a.log)

	var cursors reindex.CursorStore = reindex.NewPGCursorStore(a.db)
	if cfg.Reindex.MirrorCheckpoints {
		objects, err := storage.NewService(cfg.Storage, a.log)
		if err != nil {
			return nil, err
		}
		if objects.Enabled() {
			cursors = reindex.NewMirroredCursorStore(cursors, objects, a.log)
		}
	}
	p.coord = reindex.NewCoordinator(p.repo, p.indexer, cursors, suspensions, cfg.Reindex, index, a.log)
	return p, nil
}
