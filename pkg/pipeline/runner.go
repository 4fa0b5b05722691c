package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/kpi-engine/pkg/apperrors"
	"github.com/ekaya-inc/kpi-engine/pkg/metabase"
	"github.com/ekaya-inc/kpi-engine/pkg/models"
)

// Authenticator opens a Metabase session.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (metabase.Session, error)
}

// RunnerConfig holds the per-run settings the runner needs directly.
type RunnerConfig struct {
	Username string
	Password string

	// DatabaseName selects the database; empty picks the first
	// non-sample one.
	DatabaseName string

	// Tables restricts the run to the named tables; empty means all.
	Tables []string

	// MaxFields caps how many fields the generation prompt describes,
	// mirrored into the report's fields_used count.
	MaxFields int

	// TableDelay and CandidateDelay pace the run.
	TableDelay     time.Duration
	CandidateDelay time.Duration

	// ReportPath is where the JSON run report is written.
	ReportPath string
}

// Runner executes the whole pipeline sequentially: fetch metadata,
// generate candidates, validate SQL, register questions, report.
type Runner struct {
	auth      Authenticator
	fetcher   MetadataFetcher
	generator KPIGenerator
	validator Validator
	registrar Registrar
	cfg       RunnerConfig
	logger    *zap.Logger
}

// NewRunner wires the pipeline stages together.
func NewRunner(auth Authenticator, fetcher MetadataFetcher, generator KPIGenerator, validator Validator, registrar Registrar, cfg RunnerConfig, logger *zap.Logger) *Runner {
	return &Runner{
		auth:      auth,
		fetcher:   fetcher,
		generator: generator,
		validator: validator,
		registrar: registrar,
		cfg:       cfg,
		logger:    logger.Named("runner"),
	}
}

// Run executes the pipeline. Authentication failures abort the run;
// every other failure is isolated to the table or candidate it hit.
// The returned report is non-nil even when the run aborted partway, so
// callers can persist what did complete.
func (r *Runner) Run(ctx context.Context) (*models.RunReport, error) {
	report := &models.RunReport{
		RunID:       uuid.New(),
		GeneratedAt: time.Now().UTC(),
	}

	sess, err := r.auth.Login(ctx, r.cfg.Username, r.cfg.Password)
	if err != nil {
		return report, err
	}

	database, err := r.fetcher.PickDatabase(ctx, sess, r.cfg.DatabaseName)
	if err != nil {
		return report, err
	}
	r.logger.Info("selected database",
		zap.String("name", database.Name),
		zap.Int("database_id", database.ID))

	tables, err := r.fetcher.ListTables(ctx, sess, database.ID, r.cfg.Tables)
	if err != nil {
		return report, err
	}
	if len(tables) == 0 {
		return report, fmt.Errorf("%w: no matching tables in database %q", apperrors.ErrNotFound, database.Name)
	}

	collectionID, err := r.registrar.EnsureCollection(ctx, sess)
	if err != nil {
		return report, err
	}

	for i, table := range tables {
		if i > 0 && r.cfg.TableDelay > 0 {
			select {
			case <-time.After(r.cfg.TableDelay):
			case <-ctx.Done():
				return report, ctx.Err()
			}
		}

		tableReport, err := r.processTable(ctx, sess, collectionID, table)
		report.Tables = append(report.Tables, *tableReport)
		accumulate(&report.Summary, tableReport)
		if err != nil {
			return report, err
		}
	}

	r.logger.Info("run complete",
		zap.Int("tables_processed", report.Summary.TablesProcessed),
		zap.Int("tables_skipped", report.Summary.TablesSkipped),
		zap.Int("valid", report.Summary.Valid),
		zap.Int("fixed", report.Summary.Fixed),
		zap.Int("problematic", report.Summary.Problematic),
		zap.Int("questions_created", report.Summary.QuestionsCreated))

	return report, nil
}

// processTable runs one table end to end. The error return is reserved
// for run-fatal failures; everything else becomes a skip or a
// per-candidate outcome.
func (r *Runner) processTable(ctx context.Context, sess metabase.Session, collectionID int, table metabase.Table) (*models.TableReport, error) {
	tr := &models.TableReport{TableName: table.Name}

	r.logger.Info("processing table", zap.String("table", table.Name))

	meta, err := r.fetcher.FetchTableMetadata(ctx, sess, table)
	if err != nil {
		if errors.Is(err, apperrors.ErrAuthenticationFailed) {
			return tr, err
		}
		tr.Skipped = true
		tr.SkipReason = err.Error()
		r.logger.Warn("skipping table, metadata fetch failed",
			zap.String("table", table.Name),
			zap.Error(err))
		return tr, nil
	}
	tr.Metadata = meta
	tr.FieldsUsed = len(meta.Fields)
	if r.cfg.MaxFields > 0 && tr.FieldsUsed > r.cfg.MaxFields {
		tr.FieldsUsed = r.cfg.MaxFields
	}
	tr.ForeignKeys = meta.ForeignKeyCount()

	candidates, err := r.generator.Generate(ctx, meta)
	if err != nil {
		tr.Skipped = true
		tr.SkipReason = err.Error()
		r.logger.Warn("skipping table, generation failed",
			zap.String("table", table.Name),
			zap.Error(err))
		return tr, nil
	}

	for j, candidate := range candidates {
		if j > 0 && r.cfg.CandidateDelay > 0 {
			select {
			case <-time.After(r.cfg.CandidateDelay):
			case <-ctx.Done():
				return tr, ctx.Err()
			}
		}

		outcome, err := r.validator.Validate(ctx, sess, meta, candidate)
		if err != nil {
			return tr, err
		}
		if outcome.Registrable() {
			tr.KPIs = append(tr.KPIs, outcome)
		} else {
			tr.Problematic = append(tr.Problematic, outcome)
		}
	}

	results, err := r.registrar.Register(ctx, sess, collectionID, meta.DatabaseID, tr.KPIs)
	tr.Registration = results
	if err != nil {
		return tr, err
	}

	return tr, nil
}

func accumulate(summary *models.RunSummary, tr *models.TableReport) {
	if tr.Skipped {
		summary.TablesSkipped++
		return
	}
	summary.TablesProcessed++
	summary.CandidatesTotal += len(tr.KPIs) + len(tr.Problematic)

	for _, outcome := range tr.KPIs {
		switch outcome.Status {
		case models.StatusValid:
			summary.Valid++
		case models.StatusFixed:
			summary.Fixed++
		}
	}
	summary.Problematic += len(tr.Problematic)

	for _, result := range tr.Registration {
		switch result.Status {
		case models.RegistrationCreated:
			summary.QuestionsCreated++
		case models.RegistrationSkipped:
			summary.QuestionsSkipped++
		case models.RegistrationFailed:
			summary.QuestionsFailed++
		}
	}
}

// WriteReport persists the run report as indented JSON. Written exactly
// once per run.
func (r *Runner) WriteReport(report *models.RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(r.cfg.ReportPath, data, 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	r.logger.Info("wrote run report", zap.String("path", r.cfg.ReportPath))
	return nil
}
