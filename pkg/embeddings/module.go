package embeddings

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/pkg/embeddings/genai"
	"github.com/emergent-company/catalog-sync/pkg/logger"
)

// Module provides the embeddings fx.Module
var Module = fx.Module("embeddings",
	fx.Provide(NewService),
)

// Service provides embedding generation with automatic client selection
type Service struct {
	client  Client
	log     *slog.Logger
	enabled bool
}

// NewNoopService creates a service with a noop client (for testing)
func NewNoopService(log *slog.Logger) *Service {
	return &Service{
		client:  NewNoopClient(),
		log:     log,
		enabled: false,
	}
}

// NewServiceWithClient wraps an existing client; used by tests and the CLI.
func NewServiceWithClient(client Client, log *slog.Logger) *Service {
	return &Service{
		client:  client,
		log:     log,
		enabled: true,
	}
}

// NewService creates a new embeddings service. Remote clients are created on
// start; a failure there leaves the service disabled instead of failing startup.
func NewService(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) *Service {
	log = log.With(logger.Scope("embeddings"))
	embCfg := cfg.Embeddings

	if !embCfg.IsEnabled() {
		log.Info("embeddings service disabled - no configuration provided")
		return NewNoopService(log)
	}

	if embCfg.UseHashProvider() {
		log.Info("using local hashing embeddings", slog.Int("dimension", embCfg.Dimension))
		return NewServiceWithClient(NewHashClient(embCfg.Dimension), log)
	}

	svc := NewNoopService(log)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			client, err := newGenAIClient(ctx, embCfg, log)
			if err != nil {
				log.Error("failed to initialize embeddings client", logger.Error(err))
				return nil
			}
			svc.client = client
			svc.enabled = true
			return nil
		},
	})
	return svc
}

// Open builds a service outside the fx graph. Unlike NewService it returns
// the client error instead of degrading to noop.
func Open(ctx context.Context, embCfg config.EmbeddingsConfig, log *slog.Logger) (*Service, error) {
	log = log.With(logger.Scope("embeddings"))
	switch {
	case !embCfg.IsEnabled():
		return NewNoopService(log), nil
	case embCfg.UseHashProvider():
		return NewServiceWithClient(NewHashClient(embCfg.Dimension), log), nil
	}
	client, err := newGenAIClient(ctx, embCfg, log)
	if err != nil {
		return nil, err
	}
	return NewServiceWithClient(client, log), nil
}

func newGenAIClient(ctx context.Context, embCfg config.EmbeddingsConfig, log *slog.Logger) (Client, error) {
	backend := "gemini-api"
	if embCfg.UseVertexAI() {
		backend = "vertex-ai"
	}
	log.Info("initializing genai embeddings client",
		slog.String("backend", backend),
		slog.String("project", embCfg.GCPProjectID),
		slog.String("location", embCfg.VertexAILocation),
		slog.String("model", embCfg.Model),
	)

	gc := genai.Config{
		Model:     embCfg.Model,
		Dimension: embCfg.Dimension,
	}
	if embCfg.UseVertexAI() {
		gc.ProjectID = embCfg.GCPProjectID
		gc.Location = embCfg.VertexAILocation
	} else {
		gc.APIKey = embCfg.GoogleAPIKey
	}
	client, err := genai.NewClient(ctx, gc, genai.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// IsEnabled returns true if embeddings are available
func (s *Service) IsEnabled() bool {
	return s.enabled
}

// EmbedQuery generates an embedding for a single query
func (s *Service) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return s.client.EmbedQuery(ctx, query)
}

// EmbedDocuments generates embeddings for multiple documents
func (s *Service) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	return s.client.EmbedDocuments(ctx, documents)
}
