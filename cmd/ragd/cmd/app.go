package cmd

import (
	"log/slog"

	"github.com/velumlabs/ragd/internal/chunk"
	"github.com/velumlabs/ragd/internal/config"
	"github.com/velumlabs/ragd/internal/embed"
	"github.com/velumlabs/ragd/internal/index"
	"github.com/velumlabs/ragd/internal/logging"
	"github.com/velumlabs/ragd/internal/rag"
	"github.com/velumlabs/ragd/internal/store"
)

// app bundles everything a command needs after bootstrap.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	service *rag.Service

	sqlite *store.SQLiteStore
}

// newApp loads config, sets up logging and assembles the service.
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	log := logging.SetupDefault(cfg.LogLevel)

	a := &app{cfg: cfg, log: log}

	var docs store.DocumentStore
	var embs store.EmbeddingStore
	switch cfg.Storage {
	case "memory":
		mdocs := store.NewMemoryDocumentStore()
		membs := store.NewMemoryEmbeddingStore(cfg.Embedding.Dimensions)
		membs.RequireDocuments(mdocs)
		docs, embs = mdocs, membs
	default:
		s, err := store.OpenSQLiteStore(cfg.DataDir, cfg.Embedding.Dimensions)
		if err != nil {
			return nil, err
		}
		a.sqlite = s
		docs = s.Documents()
		embs = s.Embeddings()
	}

	embedder, err := buildEmbedder(cfg.Embedding, log)
	if err != nil {
		a.closeStores()
		return nil, err
	}

	service, err := rag.NewService(rag.ServiceConfig{
		Documents:  docs,
		Embeddings: embs,
		Embedder:   embedder,
		Chunking: chunk.Options{
			ChunkSize: cfg.Chunking.ChunkSize,
			Overlap:   cfg.Chunking.Overlap,
		},
		QueueCapacity: cfg.Indexing.QueueCapacity,
		Scheduler: index.SchedulerConfig{
			ScanInterval: cfg.Indexing.ScanInterval,
			BatchSize:    cfg.Indexing.BatchSize,
			DocTimeout:   cfg.Indexing.DocTimeout,
		},
		UseANN: cfg.Search.UseANN,
		Logger: log,
	})
	if err != nil {
		a.closeStores()
		return nil, err
	}

	a.service = service
	return a, nil
}

// buildEmbedder assembles the provider chain: cache over fallback over
// the configured provider.
func buildEmbedder(cfg config.EmbeddingConfig, log *slog.Logger) (embed.Embedder, error) {
	var primary embed.Embedder
	switch cfg.Provider {
	case "static":
		primary = embed.NewStaticEmbedder(cfg.Dimensions)
	default:
		primary = embed.NewOllamaEmbedder(embed.OllamaConfig{
			Host:       cfg.Host,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
	}
	return embed.NewCachedEmbedder(embed.NewFallbackEmbedder(primary, log), cfg.CacheSize, log)
}

// Close releases everything the app holds.
func (a *app) Close() error {
	err := a.service.Stop()
	a.closeStores()
	return err
}

func (a *app) closeStores() {
	if a.sqlite != nil {
		_ = a.sqlite.Close()
	}
}
