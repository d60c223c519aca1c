// Package app connects the configured backends into the search pipeline,
// the stream hub and the corpus indexer. Both the API server and the CLI
// build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/connect3/backend/internal/cache/redis"
	"github.com/connect3/backend/internal/ingestion"
	"github.com/connect3/backend/internal/kg/neo4j"
	"github.com/connect3/backend/internal/llm"
	"github.com/connect3/backend/internal/query"
	"github.com/connect3/backend/internal/search/web"
	"github.com/connect3/backend/internal/storage/sqlite"
	"github.com/connect3/backend/internal/stream"
	"github.com/connect3/backend/internal/vector/zilliz"
	"github.com/connect3/backend/pkg/config"
	"github.com/connect3/backend/pkg/logger"
)

type Services struct {
	SQLite  *sqlite.Client
	Redis   *redis.Client
	Milvus  *zilliz.Client
	Neo4j   *neo4j.Client
	LLM     *llm.Client
	Pool    *ants.Pool
	Engine  *query.Engine
	Hub     *stream.Hub
	Indexer *ingestion.Indexer
}

// Build opens every backend and wires the pipeline. Redis and Neo4j are
// optional: without Redis the progress log is kept in memory and quotas are
// not enforced; without Neo4j results are not scoped by institution.
func Build(ctx context.Context, cfg *config.Config) (*Services, error) {
	s := &Services{}
	ok := false
	defer func() {
		if !ok {
			s.Close(context.Background())
		}
	}()

	var err error
	s.SQLite, err = sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite client: %w", err)
	}
	if err := s.SQLite.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Redis.Enabled {
		s.Redis, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis client: %w", err)
		}
	}

	if cfg.Neo4j.Enabled {
		s.Neo4j, err = neo4j.NewClient(ctx, cfg.Neo4j)
		if err != nil {
			return nil, fmt.Errorf("failed to create Neo4j client: %w", err)
		}
		if err := s.Neo4j.EnsureConstraints(ctx); err != nil {
			logger.Warn("Failed to ensure graph constraints", zap.Error(err))
		}
	}

	s.Milvus, err = zilliz.NewClient(ctx, cfg.Milvus.Endpoint, cfg.Milvus.APIKey, cfg.Milvus.VectorDim)
	if err != nil {
		return nil, fmt.Errorf("failed to create Milvus client: %w", err)
	}
	if err := ensureCollections(ctx, s.Milvus, cfg); err != nil {
		return nil, err
	}

	s.LLM = llm.NewClient(cfg.LLM)

	s.Pool, err = ants.NewPool(cfg.Search.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	s.Engine = s.buildEngine(cfg)
	s.Hub = stream.NewHub(s.Engine, s.SQLite, s.progressLog(cfg), stream.ConfigFrom(cfg.Search))

	var opts []ingestion.Option
	if s.Neo4j != nil {
		opts = append(opts, ingestion.WithGraph(s.Neo4j))
	}
	s.Indexer = ingestion.NewIndexer(s.Milvus, s.LLM, cfg.Milvus.Collections, cfg.Knowledge.Institutions, opts...)

	ok = true
	return s, nil
}

func (s *Services) buildEngine(cfg *config.Config) *query.Engine {
	var corpusOpts []zilliz.Option
	if s.Redis != nil {
		corpusOpts = append(corpusOpts, zilliz.WithEmbeddingCache(s.Redis, 24*time.Hour))
	}
	corpus := zilliz.NewCorpus(s.Milvus, s.LLM, cfg.Milvus.Collections, cfg.Search.TopK, corpusOpts...)

	var scope query.ScopeResolver
	if s.Neo4j != nil {
		scope = s.Neo4j
	}

	var webSearch query.WebSearcher
	if cfg.Web.Enabled {
		var webOpts []web.Option
		if s.Redis != nil {
			webOpts = append(webOpts, web.WithCache(s.Redis))
		}
		webSearch = web.NewClient(cfg.Web, webOpts...)
	}

	components := query.Components{
		Store:       s.SQLite,
		Loader:      query.NewContextLoader(s.SQLite, cfg.Search.HistoryTurns),
		Planner:     query.NewPlanner(s.LLM),
		Refiner:     query.NewRefiner(s.LLM),
		Executor:    query.NewExecutor(corpus, scope, s.Pool, query.ExecutorConfig{MinScore: cfg.Search.MinScore, TopK: cfg.Search.TopK}),
		Synthesizer: query.NewSynthesizer(s.LLM),
		General: query.NewGeneralResponder(s.LLM, corpus, webSearch, cfg.Knowledge.Institutions, query.GeneralConfig{
			TopK:     cfg.Search.TopK,
			MinScore: cfg.Search.MinScore,
		}),
	}
	if s.Redis != nil {
		components.Quota = s.Redis
	}

	return query.NewEngine(components, query.Limits{
		MaxQueryLength: cfg.Search.MaxQueryLength,
		DailyQuota:     cfg.Search.DailyQuota,
	})
}

func (s *Services) progressLog(cfg *config.Config) stream.ProgressLog {
	ttl := time.Duration(cfg.Search.StreamTTLSec) * time.Second
	if s.Redis != nil {
		return redis.NewProgressLog(s.Redis, ttl)
	}
	logger.Warn("Redis disabled; search progress is kept in process memory")
	return stream.NewMemoryLog(ttl)
}

func ensureCollections(ctx context.Context, milvus *zilliz.Client, cfg *config.Config) error {
	collections := map[string]string{
		cfg.Milvus.Collections.Users:         "Connect3 entity corpus",
		cfg.Milvus.Collections.Organisations: "Connect3 entity corpus",
		cfg.Milvus.Collections.Events:        "Connect3 entity corpus",
	}
	for _, inst := range cfg.Knowledge.Institutions {
		for _, name := range []string{inst.Official, inst.StudentUnion} {
			collections[name] = inst.Name + " knowledge corpus"
		}
	}
	delete(collections, "")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for name, description := range collections {
		name, description := name, description
		g.Go(func() error {
			if err := milvus.EnsureCollection(gctx, name, description); err != nil {
				return fmt.Errorf("failed to ensure collection %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Checks returns a readiness probe per backend.
func (s *Services) Checks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"sqlite": s.SQLite.Ping,
	}
	if s.Redis != nil {
		checks["redis"] = s.Redis.Ping
	}
	return checks
}

// Close releases whatever Build opened.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	if s.Pool != nil {
		s.Pool.Release()
	}
	if s.Milvus != nil {
		errs = append(errs, s.Milvus.Close())
	}
	if s.Neo4j != nil {
		errs = append(errs, s.Neo4j.Close(ctx))
	}
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.SQLite != nil {
		errs = append(errs, s.SQLite.Close())
	}
	return errors.Join(errs...)
}
