package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ekaya-inc/kpi-engine/pkg/apperrors"
	"github.com/ekaya-inc/kpi-engine/pkg/metabase"
	"github.com/ekaya-inc/kpi-engine/pkg/models"
)

type fakeCardAPI struct {
	collections []metabase.Collection
	items       map[int][]metabase.CollectionItem

	createdCollections []string
	createdCards       []metabase.CardRequest
	deletedCards       []int

	createCardErr func(req metabase.CardRequest) error

	nextID int
}

func (f *fakeCardAPI) ListCollections(ctx context.Context, sess metabase.Session) ([]metabase.Collection, error) {
	return f.collections, nil
}

func (f *fakeCardAPI) CreateCollection(ctx context.Context, sess metabase.Session, name, description, color string) (int, error) {
	f.createdCollections = append(f.createdCollections, name)
	f.nextID++
	return 100 + f.nextID, nil
}

func (f *fakeCardAPI) ListCollectionItems(ctx context.Context, sess metabase.Session, collectionID int) ([]metabase.CollectionItem, error) {
	return f.items[collectionID], nil
}

func (f *fakeCardAPI) CreateCard(ctx context.Context, sess metabase.Session, req metabase.CardRequest) (*metabase.Card, error) {
	if f.createCardErr != nil {
		if err := f.createCardErr(req); err != nil {
			return nil, err
		}
	}
	f.createdCards = append(f.createdCards, req)
	f.nextID++
	return &metabase.Card{ID: 500 + f.nextID, Name: req.Name}, nil
}

func (f *fakeCardAPI) DeleteCard(ctx context.Context, sess metabase.Session, cardID int) error {
	f.deletedCards = append(f.deletedCards, cardID)
	return nil
}

func registrarConfig() RegistrarConfig {
	return RegistrarConfig{
		CollectionName:        "Auto-generated KPIs",
		CollectionDescription: "KPI questions generated from table metadata",
		CollectionColor:       "#509EE3",
	}
}

func validOutcome(name, sql string) *models.ValidationOutcome {
	return &models.ValidationOutcome{
		Candidate: &models.KPICandidate{
			Name:        name,
			Description: "measures something",
			SQL:         sql,
			TableName:   "orders",
		},
		Status:      models.StatusValid,
		ExecutedSQL: sql,
	}
}

func TestEnsureCollectionCreatesWhenAbsent(t *testing.T) {
	api := &fakeCardAPI{}
	r := NewRegistrar(api, registrarConfig(), testRetryConfig(), zap.NewNop())

	id, err := r.EnsureCollection(context.Background(), metabase.Session{Token: "tok"})
	if err != nil {
		t.Fatalf("EnsureCollection failed: %v", err)
	}
	if id <= 0 {
		t.Errorf("expected a positive collection id, got %d", id)
	}
	if len(api.createdCollections) != 1 || api.createdCollections[0] != "Auto-generated KPIs" {
		t.Errorf("unexpected collection creations: %v", api.createdCollections)
	}
}

func TestEnsureCollectionFindsExisting(t *testing.T) {
	api := &fakeCardAPI{
		collections: []metabase.Collection{
			{ID: -1, Name: "Our analytics"}, // root-style id, ignored
			{ID: 7, Name: "Auto-generated KPIs"},
		},
		items: map[int][]metabase.CollectionItem{
			7: {
				{ID: 31, Name: "Total Orders", Model: "card"},
				{ID: 32, Name: "A dashboard", Model: "dashboard"},
			},
		},
	}
	r := NewRegistrar(api, registrarConfig(), testRetryConfig(), zap.NewNop())

	id, err := r.EnsureCollection(context.Background(), metabase.Session{Token: "tok"})
	if err != nil {
		t.Fatalf("EnsureCollection failed: %v", err)
	}
	if id != 7 {
		t.Errorf("expected existing collection 7, got %d", id)
	}
	if len(api.createdCollections) != 0 {
		t.Error("should not create a collection that exists")
	}

	// The existing card name must now cause a duplicate skip.
	results, err := r.Register(context.Background(), metabase.Session{Token: "tok"}, id, 2,
		[]*models.ValidationOutcome{validOutcome("Total Orders", "SELECT COUNT(*) FROM orders")})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if len(results) != 1 || results[0].Status != models.RegistrationSkipped {
		t.Errorf("expected duplicate skip, got %+v", results)
	}
	if len(api.createdCards) != 0 {
		t.Error("duplicate must not create a card")
	}
}

func TestEnsureCollectionCleanup(t *testing.T) {
	cfg := registrarConfig()
	cfg.Cleanup = true
	api := &fakeCardAPI{
		collections: []metabase.Collection{{ID: 7, Name: "Auto-generated KPIs"}},
		items: map[int][]metabase.CollectionItem{
			7: {
				{ID: 31, Name: "Old KPI", Model: "card"},
				{ID: 32, Name: "Keep me", Model: "dashboard"},
				{ID: 33, Name: "Another old KPI", Model: "card"},
			},
		},
	}
	r := NewRegistrar(api, cfg, testRetryConfig(), zap.NewNop())

	if _, err := r.EnsureCollection(context.Background(), metabase.Session{Token: "tok"}); err != nil {
		t.Fatalf("EnsureCollection failed: %v", err)
	}

	if len(api.deletedCards) != 2 {
		t.Fatalf("expected 2 cards deleted, got %v", api.deletedCards)
	}

	// After cleanup old names are fair game again.
	results, err := r.Register(context.Background(), metabase.Session{Token: "tok"}, 7, 2,
		[]*models.ValidationOutcome{validOutcome("Old KPI", "SELECT COUNT(*) FROM orders")})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if results[0].Status != models.RegistrationCreated {
		t.Errorf("expected creation after cleanup, got %+v", results[0])
	}
}

func TestRegisterIsolatesFailures(t *testing.T) {
	api := &fakeCardAPI{
		createCardErr: func(req metabase.CardRequest) error {
			if req.Name == "Broken KPI" {
				return fmt.Errorf("POST /api/card returned 400: invalid dataset query")
			}
			return nil
		},
	}
	r := NewRegistrar(api, registrarConfig(), testRetryConfig(), zap.NewNop())

	outcomes := []*models.ValidationOutcome{
		validOutcome("Good KPI", "SELECT COUNT(*) FROM orders"),
		validOutcome("Broken KPI", "SELECT COUNT(*) FROM orders"),
		validOutcome("Another Good KPI", "SELECT SUM(payment_total) FROM orders WHERE payment_total IS NOT NULL"),
		{
			Candidate: &models.KPICandidate{Name: "Problematic KPI", SQL: "bad", TableName: "orders"},
			Status:    models.StatusProblematic,
		},
	}

	results, err := r.Register(context.Background(), metabase.Session{Token: "tok"}, 7, 2, outcomes)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Problematic outcome produces no result at all.
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	byName := map[string]models.RegistrationResult{}
	for _, result := range results {
		byName[result.KPIName] = result
	}

	if byName["Good KPI"].Status != models.RegistrationCreated {
		t.Errorf("Good KPI: %+v", byName["Good KPI"])
	}
	if byName["Broken KPI"].Status != models.RegistrationFailed {
		t.Errorf("Broken KPI: %+v", byName["Broken KPI"])
	}
	if byName["Another Good KPI"].Status != models.RegistrationCreated {
		t.Errorf("Another Good KPI: %+v", byName["Another Good KPI"])
	}

	if len(api.createdCards) != 2 {
		t.Errorf("expected 2 created cards, got %d", len(api.createdCards))
	}

	// Card description carries the narrative fields.
	desc := api.createdCards[0].Description
	if !strings.Contains(desc, "measures something") || !strings.Contains(desc, "Table: orders") {
		t.Errorf("unexpected card description: %q", desc)
	}
}

func TestRegisterAuthFailureAborts(t *testing.T) {
	api := &fakeCardAPI{
		createCardErr: func(req metabase.CardRequest) error {
			return fmt.Errorf("%w: POST /api/card returned 401", apperrors.ErrAuthenticationFailed)
		},
	}
	r := NewRegistrar(api, registrarConfig(), testRetryConfig(), zap.NewNop())

	_, err := r.Register(context.Background(), metabase.Session{Token: "tok"}, 7, 2,
		[]*models.ValidationOutcome{validOutcome("Any", "SELECT 1 FROM orders")})
	if !errors.Is(err, apperrors.ErrAuthenticationFailed) {
		t.Errorf("expected auth failure to propagate, got %v", err)
	}
}
