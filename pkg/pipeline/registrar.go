package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/kpi-engine/pkg/apperrors"
	"github.com/ekaya-inc/kpi-engine/pkg/logging"
	"github.com/ekaya-inc/kpi-engine/pkg/metabase"
	"github.com/ekaya-inc/kpi-engine/pkg/models"
	"github.com/ekaya-inc/kpi-engine/pkg/retry"
)

// CardAPI is the slice of the Metabase client the registrar needs.
type CardAPI interface {
	ListCollections(ctx context.Context, sess metabase.Session) ([]metabase.Collection, error)
	CreateCollection(ctx context.Context, sess metabase.Session, name, description, color string) (int, error)
	ListCollectionItems(ctx context.Context, sess metabase.Session, collectionID int) ([]metabase.CollectionItem, error)
	CreateCard(ctx context.Context, sess metabase.Session, req metabase.CardRequest) (*metabase.Card, error)
	DeleteCard(ctx context.Context, sess metabase.Session, cardID int) error
}

// RegistrarConfig controls collection bootstrap and pacing.
type RegistrarConfig struct {
	CollectionName        string
	CollectionDescription string
	CollectionColor       string

	// Cleanup deletes every existing card in the collection before
	// registering instead of skipping duplicates by name.
	Cleanup bool

	// Delay paces consecutive card creations.
	Delay time.Duration
}

// Registrar turns validated outcomes into saved questions.
type Registrar interface {
	// EnsureCollection finds or creates the target collection, applying
	// cleanup when configured, and returns its id.
	EnsureCollection(ctx context.Context, sess metabase.Session) (int, error)

	// Register creates one question per registrable outcome. Individual
	// failures are recorded per item; only authentication failures
	// return an error.
	Register(ctx context.Context, sess metabase.Session, collectionID, databaseID int, outcomes []*models.ValidationOutcome) ([]models.RegistrationResult, error)
}

type registrar struct {
	api      CardAPI
	cfg      RegistrarConfig
	retryCfg *retry.Config
	logger   *zap.Logger

	// existing holds lowercased card names already present in the
	// collection, populated by EnsureCollection and extended as cards
	// are created.
	existing map[string]bool
}

// NewRegistrar creates a Registrar.
func NewRegistrar(api CardAPI, cfg RegistrarConfig, retryCfg *retry.Config, logger *zap.Logger) Registrar {
	return &registrar{
		api:      api,
		cfg:      cfg,
		retryCfg: retryCfg,
		logger:   logger.Named("registrar"),
		existing: make(map[string]bool),
	}
}

func (r *registrar) EnsureCollection(ctx context.Context, sess metabase.Session) (int, error) {
	var collections []metabase.Collection
	err := retry.DoIfRetryable(ctx, r.retryCfg, func() error {
		var err error
		collections, err = r.api.ListCollections(ctx, sess)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list collections: %w", err)
	}

	collectionID := -1
	for _, c := range collections {
		if c.Name == r.cfg.CollectionName && c.ID >= 0 {
			collectionID = c.ID
			break
		}
	}

	if collectionID < 0 {
		collectionID, err = r.api.CreateCollection(ctx, sess, r.cfg.CollectionName, r.cfg.CollectionDescription, r.cfg.CollectionColor)
		if err != nil {
			return 0, fmt.Errorf("create collection %q: %w", r.cfg.CollectionName, err)
		}
		r.logger.Info("created collection",
			zap.String("name", r.cfg.CollectionName),
			zap.Int("collection_id", collectionID))
		return collectionID, nil
	}

	items, err := r.api.ListCollectionItems(ctx, sess, collectionID)
	if err != nil {
		return 0, fmt.Errorf("list collection items: %w", err)
	}

	if r.cfg.Cleanup {
		removed := 0
		for _, item := range items {
			if item.Model != "card" {
				continue
			}
			if err := r.api.DeleteCard(ctx, sess, item.ID); err != nil {
				r.logger.Warn("failed to delete existing card",
					zap.Int("card_id", item.ID),
					zap.String("name", item.Name),
					zap.Error(err))
				continue
			}
			removed++
		}
		r.logger.Info("cleaned up collection",
			zap.Int("collection_id", collectionID),
			zap.Int("removed", removed))
		return collectionID, nil
	}

	for _, item := range items {
		if item.Model == "card" {
			r.existing[strings.ToLower(item.Name)] = true
		}
	}

	return collectionID, nil
}

func (r *registrar) Register(ctx context.Context, sess metabase.Session, collectionID, databaseID int, outcomes []*models.ValidationOutcome) ([]models.RegistrationResult, error) {
	var results []models.RegistrationResult

	for i, outcome := range outcomes {
		if !outcome.Registrable() {
			continue
		}

		candidate := outcome.Candidate
		result := models.RegistrationResult{
			TableName:    candidate.TableName,
			KPIName:      candidate.Name,
			CollectionID: collectionID,
		}

		if r.existing[strings.ToLower(candidate.Name)] {
			result.Status = models.RegistrationSkipped
			result.Error = "question with this name already exists"
			results = append(results, result)
			r.logger.Info("skipping duplicate question",
				zap.String("table", candidate.TableName),
				zap.String("kpi", candidate.Name))
			continue
		}

		if i > 0 && r.cfg.Delay > 0 {
			select {
			case <-time.After(r.cfg.Delay):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}

		card, err := r.createCard(ctx, sess, collectionID, databaseID, outcome)
		if err != nil {
			if isAuthFailure(err) {
				return results, err
			}
			result.Status = models.RegistrationFailed
			result.Error = fmt.Sprintf("%s: %s", apperrors.ErrRegistrationFailed, logging.SanitizeError(err))
			results = append(results, result)
			r.logger.Error("failed to create question",
				zap.String("table", candidate.TableName),
				zap.String("kpi", candidate.Name),
				zap.Error(err))
			continue
		}

		r.existing[strings.ToLower(candidate.Name)] = true
		result.Status = models.RegistrationCreated
		result.QuestionID = card.ID
		results = append(results, result)

		r.logger.Info("registered question",
			zap.String("table", candidate.TableName),
			zap.String("kpi", candidate.Name),
			zap.Int("question_id", card.ID))
	}

	return results, nil
}

func (r *registrar) createCard(ctx context.Context, sess metabase.Session, collectionID, databaseID int, outcome *models.ValidationOutcome) (*metabase.Card, error) {
	candidate := outcome.Candidate

	var card *metabase.Card
	err := retry.DoIfRetryable(ctx, r.retryCfg, func() error {
		var err error
		card, err = r.api.CreateCard(ctx, sess, metabase.CardRequest{
			Name:         candidate.Name,
			Description:  cardDescription(candidate),
			CollectionID: collectionID,
			DatabaseID:   databaseID,
			SQL:          outcome.ExecutedSQL,
		})
		return err
	})
	return card, err
}

// cardDescription mirrors what an analyst would write by hand: what the
// KPI measures, why it matters, and which table it came from.
func cardDescription(candidate *models.KPICandidate) string {
	var b strings.Builder
	b.WriteString("Description: ")
	b.WriteString(candidate.Description)
	if candidate.BusinessValue != "" {
		b.WriteString("\n\nBusiness Value: ")
		b.WriteString(candidate.BusinessValue)
	}
	b.WriteString("\n\nTable: ")
	b.WriteString(candidate.TableName)
	return b.String()
}

func isAuthFailure(err error) bool {
	return errors.Is(err, apperrors.ErrAuthenticationFailed)
}
