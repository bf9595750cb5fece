package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/malbeclabs/sqlagent/pkg/agent/llm"
	"github.com/malbeclabs/sqlagent/pkg/agent/pipeline"
	"github.com/malbeclabs/sqlagent/pkg/config"
	"github.com/malbeclabs/sqlagent/pkg/querier"
)

// app holds the long-lived capabilities shared by every request.
type app struct {
	db        *sql.DB
	querier   *querier.SQLQuerier
	pipelines map[string]*pipeline.Pipeline
}

func (a *app) Close() error {
	return a.db.Close()
}

// newApp connects to the database and model and builds one pipeline per strategy.
func newApp(ctx context.Context, log *slog.Logger, cfg config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	strategies, err := pipeline.LoadStrategies(promptsFS(cfg.PromptsDir))
	if err != nil {
		return nil, err
	}

	llmClient, err := llm.New(log, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	db, err := querier.Open(ctx, log, cfg.Database)
	if err != nil {
		return nil, err
	}

	q := querier.New(log, db, cfg.Database.ReadOnly)
	schemaName := "public"
	if cfg.Database.Driver == config.DriverDuckDB {
		schemaName = "main"
	}
	schemaFetcher := querier.NewSchemaFetcher(log, db, querier.SchemaFetcherConfig{
		Schema:     schemaName,
		SampleRows: 3,
		CacheTTL:   cfg.SchemaCacheTTL,
	})

	a := &app{db: db, querier: q, pipelines: make(map[string]*pipeline.Pipeline, len(strategies))}
	for name, strategy := range strategies {
		p, err := pipeline.New(&pipeline.Config{
			Logger:        log,
			LLM:           llmClient,
			Querier:       q,
			SchemaFetcher: schemaFetcher,
			Strategy:      strategy,
			LLMTimeout:    cfg.LLM.Timeout,
			QueryTimeout:  cfg.Database.QueryTimeout,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create %s pipeline: %w", name, err)
		}
		a.pipelines[name] = p
	}

	log.Info("app: ready",
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"driver", cfg.Database.Driver,
		"readOnly", cfg.Database.ReadOnly)
	return a, nil
}

// promptsFS returns dir when set, otherwise the embedded prompts.
func promptsFS(dir string) fs.FS {
	if dir == "" {
		return pipeline.DefaultFS()
	}
	return os.DirFS(dir)
}
