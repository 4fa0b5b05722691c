package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/kpi-engine/pkg/apperrors"
	"github.com/ekaya-inc/kpi-engine/pkg/llm"
	"github.com/ekaya-inc/kpi-engine/pkg/logging"
	"github.com/ekaya-inc/kpi-engine/pkg/metabase"
	"github.com/ekaya-inc/kpi-engine/pkg/models"
	"github.com/ekaya-inc/kpi-engine/pkg/prompts"
	"github.com/ekaya-inc/kpi-engine/pkg/retry"
	"github.com/ekaya-inc/kpi-engine/pkg/sqlcheck"
)

// QueryExecutor runs ad-hoc SQL through Metabase.
type QueryExecutor interface {
	RunQuery(ctx context.Context, sess metabase.Session, databaseID int, sql string) (*metabase.QueryResult, error)
}

// Validator decides whether one candidate's SQL is safe to register.
type Validator interface {
	// Validate returns the outcome for one candidate. The error return
	// is reserved for failures that must abort the whole run, such as
	// an expired session; per-candidate failures land in the outcome.
	Validate(ctx context.Context, sess metabase.Session, meta *models.TableMetadata, candidate *models.KPICandidate) (*models.ValidationOutcome, error)
}

type validator struct {
	executor QueryExecutor
	repair   llm.LLMClient
	retryCfg *retry.Config
	logger   *zap.Logger
}

// NewValidator creates a Validator. The LLM client is used for a single
// repair attempt when execution fails; nil disables repair.
func NewValidator(executor QueryExecutor, repair llm.LLMClient, retryCfg *retry.Config, logger *zap.Logger) Validator {
	return &validator{
		executor: executor,
		repair:   repair,
		retryCfg: retryCfg,
		logger:   logger.Named("validator"),
	}
}

func (v *validator) Validate(ctx context.Context, sess metabase.Session, meta *models.TableMetadata, candidate *models.KPICandidate) (*models.ValidationOutcome, error) {
	outcome := &models.ValidationOutcome{
		Candidate:   candidate,
		ExecutedSQL: candidate.SQL,
	}

	// Static issues disqualify a candidate before any execution.
	if issues := sqlcheck.Check(candidate.SQL, meta); len(issues) > 0 {
		outcome.Status = models.StatusProblematic
		outcome.Error = fmt.Sprintf("%s: %s", apperrors.ErrValidationFailed, joinIssues(issues))
		v.logger.Info("candidate failed static checks",
			zap.String("table", meta.Name),
			zap.String("kpi", candidate.Name),
			zap.String("issues", outcome.Error))
		return outcome, nil
	}

	normalized, err := sqlcheck.Normalize(candidate.SQL)
	if err != nil {
		outcome.Status = models.StatusProblematic
		outcome.Error = fmt.Sprintf("%s: %s", apperrors.ErrValidationFailed, err)
		return outcome, nil
	}

	sql, fixes := v.applyRewrites(normalized, meta)
	outcome.ExecutedSQL = sql
	outcome.FixType = strings.Join(fixes, ",")

	rows, execErr := v.execute(ctx, sess, meta.DatabaseID, sql)
	if execErr == nil {
		outcome.Status = models.StatusValid
		outcome.RowCount = rows
		return outcome, nil
	}
	if errors.Is(execErr, apperrors.ErrAuthenticationFailed) {
		return nil, execErr
	}

	// One repair attempt, then the candidate is problematic for good.
	outcome.RepairAttempt = true
	repaired, repairErr := v.repairSQL(ctx, meta, sql, execErr)
	if repairErr != nil {
		outcome.Status = models.StatusProblematic
		outcome.Error = logging.SanitizeError(execErr)
		v.logger.Warn("repair attempt failed",
			zap.String("table", meta.Name),
			zap.String("kpi", candidate.Name),
			zap.Error(repairErr))
		return outcome, nil
	}

	if issues := sqlcheck.Check(repaired, meta); len(issues) > 0 {
		outcome.Status = models.StatusProblematic
		outcome.Error = "repaired SQL failed static checks: " + joinIssues(issues)
		return outcome, nil
	}

	rows, execErr = v.execute(ctx, sess, meta.DatabaseID, repaired)
	if execErr != nil {
		if errors.Is(execErr, apperrors.ErrAuthenticationFailed) {
			return nil, execErr
		}
		outcome.Status = models.StatusProblematic
		outcome.Error = logging.SanitizeError(execErr)
		return outcome, nil
	}

	outcome.Status = models.StatusFixed
	outcome.ExecutedSQL = repaired
	outcome.FixType = appendFix(outcome.FixType, models.FixLLMRepair)
	outcome.RowCount = rows

	v.logger.Info("candidate repaired",
		zap.String("table", meta.Name),
		zap.String("kpi", candidate.Name))

	return outcome, nil
}

// applyRewrites runs the deterministic rewrites: NULL guards on bare
// SUM/AVG aggregates, then a default time window when the query has no
// time bound and the table has a date column. Both are idempotent.
func (v *validator) applyRewrites(sql string, meta *models.TableMetadata) (string, []string) {
	var fixes []string

	if rewritten, changed := sqlcheck.EnsureNullGuard(sql, meta); changed {
		sql = rewritten
		fixes = append(fixes, models.FixNullGuard)
	}

	if rewritten, changed := sqlcheck.EnsureTimeWindow(sql, meta.FirstTemporalField()); changed {
		sql = rewritten
		fixes = append(fixes, models.FixDefaultDuration)
	}

	return sql, fixes
}

// execute runs the SQL and returns the row count. Zero rows is success.
func (v *validator) execute(ctx context.Context, sess metabase.Session, databaseID int, sql string) (int, error) {
	var result *metabase.QueryResult
	err := retry.DoIfRetryable(ctx, v.retryCfg, func() error {
		var err error
		result, err = v.executor.RunQuery(ctx, sess, databaseID, sql)
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(result.Rows), nil
}

func (v *validator) repairSQL(ctx context.Context, meta *models.TableMetadata, sql string, execErr error) (string, error) {
	if v.repair == nil {
		return "", errors.New("no repair client configured")
	}

	prompt := prompts.BuildSQLRepairPrompt(meta, sql, execErr.Error())

	var response string
	err := retry.DoIfRetryable(ctx, v.retryCfg, func() error {
		r, err := v.repair.GenerateResponse(ctx, prompt, prompts.SQLRepairSystemMessage, 0.1)
		if err != nil {
			return err
		}
		response = r
		return nil
	})
	if err != nil {
		return "", err
	}

	repaired := llm.ExtractSQL(response)
	if repaired == "" {
		return "", errors.New("repair response contained no SQL")
	}

	// Models wrap repairs in fences and terminate them with semicolons;
	// the text must go through the same normalization as the original
	// before it reaches the executor.
	repaired, err = sqlcheck.Normalize(repaired)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(repaired, strings.TrimSpace(sql)) {
		return "", errors.New("repair returned the query unchanged")
	}
	return repaired, nil
}

func joinIssues(issues []sqlcheck.Issue) string {
	parts := make([]string, len(issues))
	for i, issue := range issues {
		parts[i] = issue.String()
	}
	return strings.Join(parts, "; ")
}

func appendFix(existing, fix string) string {
	if existing == "" {
		return fix
	}
	return existing + "," + fix
}
