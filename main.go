package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/kpi-engine/pkg/config"
	"github.com/ekaya-inc/kpi-engine/pkg/llm"
	"github.com/ekaya-inc/kpi-engine/pkg/metabase"
	"github.com/ekaya-inc/kpi-engine/pkg/pipeline"
	"github.com/ekaya-inc/kpi-engine/pkg/retry"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting kpi-engine",
		zap.String("version", cfg.Version),
		zap.String("metabase_url", cfg.Metabase.URL),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("llm_model", cfg.LLM.Model),
		zap.Int("tables_requested", len(cfg.Pipeline.Tables)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, err := buildRunner(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}

	report, runErr := runner.Run(ctx)
	if report != nil {
		if err := runner.WriteReport(report); err != nil {
			logger.Error("failed to write run report", zap.Error(err))
		}
	}
	if runErr != nil {
		logger.Error("run aborted", zap.Error(runErr))
		os.Exit(1)
	}
}

func buildRunner(cfg *config.Config, logger *zap.Logger) (*pipeline.Runner, error) {
	client := metabase.NewClient(
		cfg.Metabase.URL,
		time.Duration(cfg.Metabase.TimeoutSeconds)*time.Second,
		logger,
	)

	llmClient, err := newLLMClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.Pipeline.MaxRetries

	fetcher := pipeline.NewMetadataFetcher(client, retryCfg, logger)
	generator := pipeline.NewKPIGenerator(llmClient, cfg.LLM.Temperature, cfg.Pipeline.MaxFields, retryCfg, logger)
	validator := pipeline.NewValidator(client, llmClient, retryCfg, logger)
	registrar := pipeline.NewRegistrar(client, pipeline.RegistrarConfig{
		CollectionName:        cfg.Collection.Name,
		CollectionDescription: cfg.Collection.Description,
		CollectionColor:       cfg.Collection.Color,
		Cleanup:               cfg.Collection.Cleanup,
		Delay:                 time.Duration(cfg.Pipeline.CandidateDelayMillis) * time.Millisecond,
	}, retryCfg, logger)

	return pipeline.NewRunner(client, fetcher, generator, validator, registrar, pipeline.RunnerConfig{
		Username:       cfg.Metabase.Username,
		Password:       cfg.Metabase.Password,
		DatabaseName:   cfg.Metabase.DatabaseName,
		Tables:         cfg.Pipeline.Tables,
		MaxFields:      cfg.Pipeline.MaxFields,
		TableDelay:     time.Duration(cfg.Pipeline.TableDelayMillis) * time.Millisecond,
		CandidateDelay: time.Duration(cfg.Pipeline.CandidateDelayMillis) * time.Millisecond,
		ReportPath:     cfg.Pipeline.ReportPath,
	}, logger), nil
}

func newLLMClient(cfg *config.Config, logger *zap.Logger) (llm.LLMClient, error) {
	llmCfg := &llm.Config{
		Endpoint: cfg.LLM.Endpoint,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
	}

	switch cfg.LLM.Provider {
	case "anthropic":
		return llm.NewAnthropicClient(llmCfg, logger)
	default:
		return llm.NewClient(llmCfg, logger)
	}
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("LOG_LEVEL") == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
