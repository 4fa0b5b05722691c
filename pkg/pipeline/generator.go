package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/kpi-engine/pkg/apperrors"
	"github.com/ekaya-inc/kpi-engine/pkg/llm"
	"github.com/ekaya-inc/kpi-engine/pkg/models"
	"github.com/ekaya-inc/kpi-engine/pkg/prompts"
	"github.com/ekaya-inc/kpi-engine/pkg/retry"
)

// KPIGenerator asks the model for KPI candidates for one table.
type KPIGenerator interface {
	Generate(ctx context.Context, meta *models.TableMetadata) ([]*models.KPICandidate, error)
}

type kpiGenerator struct {
	client      llm.LLMClient
	temperature float64
	maxFields   int
	retryCfg    *retry.Config
	logger      *zap.Logger
}

// NewKPIGenerator creates a KPIGenerator on top of an LLM client.
// maxFields caps how many columns are described in the prompt.
func NewKPIGenerator(client llm.LLMClient, temperature float64, maxFields int, retryCfg *retry.Config, logger *zap.Logger) KPIGenerator {
	return &kpiGenerator{
		client:      client,
		temperature: temperature,
		maxFields:   maxFields,
		retryCfg:    retryCfg,
		logger:      logger.Named("generator"),
	}
}

// rawCandidate tolerates models emitting numbers or booleans where the
// contract asks for strings.
type rawCandidate struct {
	Name          json.RawMessage `json:"kpi_name"`
	Description   json.RawMessage `json:"description"`
	BusinessValue json.RawMessage `json:"business_value"`
	SQL           json.RawMessage `json:"sql_query"`
	OutputFormat  json.RawMessage `json:"output_format"`
	TableName     json.RawMessage `json:"table_name"`
}

func (g *kpiGenerator) Generate(ctx context.Context, meta *models.TableMetadata) ([]*models.KPICandidate, error) {
	prompt := prompts.BuildKPIGenerationPrompt(meta, g.maxFields)

	var response string
	err := retry.DoIfRetryable(ctx, g.retryCfg, func() error {
		r, err := g.client.GenerateResponse(ctx, prompt, prompts.KPIGenerationSystemMessage, g.temperature)
		if err != nil {
			return err
		}
		response = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %s", apperrors.ErrGenerationFailed, meta.Name, err)
	}

	raw, err := llm.ParseJSONResponse[[]rawCandidate](response)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %s", apperrors.ErrGenerationFailed, meta.Name, err)
	}

	candidates := make([]*models.KPICandidate, 0, len(raw))
	for i, r := range raw {
		candidate := &models.KPICandidate{
			Name:          llm.FlexibleString(r.Name),
			Description:   llm.FlexibleString(r.Description),
			BusinessValue: llm.FlexibleString(r.BusinessValue),
			SQL:           llm.FlexibleString(r.SQL),
			OutputFormat:  llm.FlexibleString(r.OutputFormat),
			TableName:     llm.FlexibleString(r.TableName),
		}
		if candidate.TableName == "" {
			candidate.TableName = meta.Name
		}

		// Malformed records are dropped individually; the rest of the
		// batch survives.
		if candidate.Name == "" || candidate.SQL == "" {
			g.logger.Warn("discarding malformed KPI candidate",
				zap.String("table", meta.Name),
				zap.Int("index", i),
				zap.Bool("missing_name", candidate.Name == ""),
				zap.Bool("missing_sql", candidate.SQL == ""))
			continue
		}

		candidates = append(candidates, candidate)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w for %s: response contained no usable candidates", apperrors.ErrGenerationFailed, meta.Name)
	}

	g.logger.Info("generated KPI candidates",
		zap.String("table", meta.Name),
		zap.Int("candidates", len(candidates)),
		zap.Int("discarded", len(raw)-len(candidates)),
		zap.String("model", g.client.GetModel()))

	return candidates, nil
}
