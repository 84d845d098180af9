package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/seanblong/reposearch/internal/blobstore"
	"github.com/seanblong/reposearch/internal/config"
	"github.com/seanblong/reposearch/internal/embedding"
	"github.com/seanblong/reposearch/internal/jobqueue"
	"github.com/seanblong/reposearch/internal/repostate"
	"github.com/seanblong/reposearch/internal/vectorstore"
	"github.com/seanblong/reposearch/internal/worker"
)

const (
	dequeueTimeout    = 5 * time.Second
	retryPollInterval = 30 * time.Second
)

func main() {
	fs := pflag.NewFlagSet("reposearch-worker", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).Msg("starting reposearch worker")

	ctx := context.Background()

	repoStates, err := repostate.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect repo state store: %v", err)
	}
	defer repoStates.Close()
	if err := repoStates.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate repo state store: %v", err)
	}

	blobs, err := blobstore.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect blob store: %v", err)
	}
	defer blobs.Close()
	if err := blobs.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate blob store: %v", err)
	}

	embedder, err := newEmbedder(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create embedding client: %v", err)
	}
	logger.Info().Int("embedding_dim", embedder.Dim()).Msg("embedding client initialized")

	vectors := vectorstore.New(vectorstore.Config{
		Host:           cfg.ChromaHost,
		Port:           cfg.ChromaPort,
		SSL:            cfg.ChromaSSL,
		CollectionName: cfg.ChromaCollectionName,
		BatchSize:      cfg.VectorStoreBatchSize,
	})

	if err := os.MkdirAll(cfg.LocalStoragePath, 0o755); err != nil {
		log.Fatalf("Failed to create local storage path %s: %v", cfg.LocalStoragePath, err)
	}

	w := &worker.Worker{
		RepoStates:  repoStates,
		Blobs:       blobs,
		Vectors:     vectors,
		Embedder:    embedder,
		StorageRoot: cfg.LocalStoragePath,
	}

	queue := jobqueue.New(jobqueue.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer queue.Close()

	go servePlainHealth(cfg.WorkerPort, logger)
	if cfg.MemoryMonitoring {
		go logMemoryUsage(logger)
	}

	runRetryPromoter(ctx, queue, logger)
	runDequeueLoop(ctx, queue, w, logger)
}

// runDequeueLoop blocks on the pending list and hands each job to the
// worker, reporting completion or failure back to the queue. It never
// returns under normal operation.
func runDequeueLoop(ctx context.Context, queue *jobqueue.Queue, w *worker.Worker, logger zerolog.Logger) {
	for {
		jobID, job, ok, err := queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			logger.Error().Err(err).Msg("worker: dequeue error, backing off")
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}

		logger.Info().Str("jobId", jobID).Str("repoUrl", job.RepoURL).Msg("worker: processing job")
		start := time.Now()

		result, err := w.Process(ctx, job)
		if err != nil {
			logger.Error().Err(err).Str("jobId", jobID).Str("repoUrl", job.RepoURL).Msg("worker: job failed")
			if ferr := queue.Fail(ctx, jobID, err); ferr != nil {
				logger.Error().Err(ferr).Str("jobId", jobID).Msg("worker: failed to record failure")
			}
			continue
		}

		if err := queue.Complete(ctx, jobID); err != nil {
			logger.Error().Err(err).Str("jobId", jobID).Msg("worker: failed to record completion")
		}
		logger.Info().
			Str("jobId", jobID).
			Str("repoId", result.RepoID).
			Bool("noChanges", result.NoChanges).
			Int("filesProcessed", result.FilesProcessed).
			Int("filesSkipped", result.FilesSkipped).
			Int("vectorsUpserted", result.VectorsUpserted).
			Dur("dur", time.Since(start)).
			Msg("worker: job complete")
	}
}

// runRetryPromoter starts a background loop that moves due retries back
// onto the pending list, so Fail's exponential backoff actually resumes
// delivery instead of parking jobs forever.
func runRetryPromoter(ctx context.Context, queue *jobqueue.Queue, logger zerolog.Logger) {
	go func() {
		ticker := time.NewTicker(retryPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := queue.PromoteDueRetries(ctx)
				if err != nil {
					logger.Error().Err(err).Msg("worker: promote retries failed")
					continue
				}
				if n > 0 {
					logger.Info().Int("count", n).Msg("worker: promoted due retries")
				}
			}
		}
	}()
}

// servePlainHealth exposes a minimal health endpoint; the worker has no
// other HTTP surface.
func servePlainHealth(port int, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	addr := fmt.Sprintf(":%d", port)
	logger.Info().Str("addr", addr).Msg("worker health server listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("worker health server stopped")
	}
}

func logMemoryUsage(logger zerolog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	var stats runtime.MemStats
	for range ticker.C {
		runtime.ReadMemStats(&stats)
		logger.Info().Uint64("allocBytes", stats.Alloc).Uint64("sysBytes", stats.Sys).Msg("worker: memory usage")
	}
}

func newEmbedder(ctx context.Context, cfg config.Specification) (embedding.Client, error) {
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "openai":
		return embedding.New(ctx, embedding.Config{
			APIKey:         cfg.OpenAIAPIKey,
			OrganizationID: cfg.OpenAIOrganizationID,
			ProjectID:      cfg.OpenAIProjectID,
			Model:          cfg.EmbedModel,
			Dim:            cfg.Dim,
			Provider:       embedding.ProviderOpenAI,
		})
	case "vertexai":
		return embedding.New(ctx, embedding.Config{
			APIKey:    cfg.APIKey,
			ProjectID: cfg.ProjectID,
			Location:  cfg.Location,
			Model:     cfg.EmbedModel,
			Dim:       cfg.Dim,
			Provider:  embedding.ProviderVertexAI,
		})
	case "stub", "":
		return embedding.New(ctx, embedding.Config{Dim: cfg.Dim, Provider: embedding.ProviderStub})
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}
