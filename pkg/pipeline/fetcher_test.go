package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/kpi-engine/pkg/apperrors"
	"github.com/ekaya-inc/kpi-engine/pkg/metabase"
	"github.com/ekaya-inc/kpi-engine/pkg/models"
	"github.com/ekaya-inc/kpi-engine/pkg/retry"
)

func testRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1.0,
	}
}

type fakeMetadataAPI struct {
	databases []metabase.Database
	tables    []metabase.Table
	metadata  map[int]*metabase.QueryMetadata
	tableByID map[int]*metabase.Table

	metadataErr error
	getTableErr error
}

func (f *fakeMetadataAPI) ListDatabases(ctx context.Context, sess metabase.Session) ([]metabase.Database, error) {
	return f.databases, nil
}

func (f *fakeMetadataAPI) ListTables(ctx context.Context, sess metabase.Session) ([]metabase.Table, error) {
	return f.tables, nil
}

func (f *fakeMetadataAPI) TableQueryMetadata(ctx context.Context, sess metabase.Session, tableID int) (*metabase.QueryMetadata, error) {
	if f.metadataErr != nil {
		return nil, f.metadataErr
	}
	if qm, ok := f.metadata[tableID]; ok {
		return qm, nil
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeMetadataAPI) GetTable(ctx context.Context, sess metabase.Session, tableID int) (*metabase.Table, error) {
	if f.getTableErr != nil {
		return nil, f.getTableErr
	}
	if t, ok := f.tableByID[tableID]; ok {
		return t, nil
	}
	return nil, apperrors.ErrNotFound
}

func TestPickDatabase(t *testing.T) {
	api := &fakeMetadataAPI{
		databases: []metabase.Database{
			{ID: 1, Name: "Sample Database"},
			{ID: 2, Name: "warehouse"},
			{ID: 3, Name: "analytics"},
		},
	}
	fetcher := NewMetadataFetcher(api, testRetryConfig(), zap.NewNop())
	ctx := context.Background()
	sess := metabase.Session{Token: "tok"}

	t.Run("default skips sample database", func(t *testing.T) {
		db, err := fetcher.PickDatabase(ctx, sess, "")
		if err != nil {
			t.Fatalf("PickDatabase failed: %v", err)
		}
		if db.ID != 2 {
			t.Errorf("expected database 2, got %d (%s)", db.ID, db.Name)
		}
	})

	t.Run("named lookup is case-insensitive", func(t *testing.T) {
		db, err := fetcher.PickDatabase(ctx, sess, "Analytics")
		if err != nil {
			t.Fatalf("PickDatabase failed: %v", err)
		}
		if db.ID != 3 {
			t.Errorf("expected database 3, got %d", db.ID)
		}
	})

	t.Run("unknown name is not found", func(t *testing.T) {
		_, err := fetcher.PickDatabase(ctx, sess, "missing")
		if !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListTablesFiltering(t *testing.T) {
	api := &fakeMetadataAPI{
		tables: []metabase.Table{
			{ID: 10, Name: "orders", DatabaseID: 2},
			{ID: 11, Name: "customers", DatabaseID: 2},
			{ID: 12, Name: "other_db_table", DatabaseID: 9},
			{ID: 13, Name: "payments", DatabaseID: 2},
		},
	}
	fetcher := NewMetadataFetcher(api, testRetryConfig(), zap.NewNop())
	ctx := context.Background()
	sess := metabase.Session{Token: "tok"}

	t.Run("all tables of the database, sorted", func(t *testing.T) {
		tables, err := fetcher.ListTables(ctx, sess, 2, nil)
		if err != nil {
			t.Fatalf("ListTables failed: %v", err)
		}
		want := []string{"customers", "orders", "payments"}
		if len(tables) != len(want) {
			t.Fatalf("expected %d tables, got %d", len(want), len(tables))
		}
		for i, name := range want {
			if tables[i].Name != name {
				t.Errorf("table %d = %s, want %s", i, tables[i].Name, name)
			}
		}
	})

	t.Run("name filter", func(t *testing.T) {
		tables, err := fetcher.ListTables(ctx, sess, 2, []string{"Orders"})
		if err != nil {
			t.Fatalf("ListTables failed: %v", err)
		}
		if len(tables) != 1 || tables[0].Name != "orders" {
			t.Errorf("expected just orders, got %v", tables)
		}
	})
}

func TestFetchTableMetadata(t *testing.T) {
	fkTarget := 55
	api := &fakeMetadataAPI{
		metadata: map[int]*metabase.QueryMetadata{
			10: {
				ID:   10,
				Name: "orders",
				Fields: []metabase.Field{
					{ID: 1, Name: "order_id", EffectiveType: "type/Integer", SemanticType: "type/PK"},
					{
						ID: 2, Name: "status", EffectiveType: "type/Integer", SemanticType: "type/FK",
						FKTargetFieldID: &fkTarget,
						Target:          &metabase.FieldTarget{ID: fkTarget, Name: "status_id", TableID: 20},
					},
					{ID: 3, Name: "create_date", EffectiveType: "type/DateTime", SemanticType: "type/CreationTimestamp"},
					{ID: 4, Name: "create_date", EffectiveType: "type/DateTime"}, // duplicate, dropped
					{ID: 5, Name: "payment_total", EffectiveType: "type/Decimal"},
				},
			},
		},
		tableByID: map[int]*metabase.Table{
			20: {ID: 20, Name: "order_status", DatabaseID: 2},
		},
	}
	fetcher := NewMetadataFetcher(api, testRetryConfig(), zap.NewNop())
	ctx := context.Background()
	sess := metabase.Session{Token: "tok"}
	table := metabase.Table{ID: 10, Name: "orders", DatabaseID: 2, Schema: "public"}

	meta, err := fetcher.FetchTableMetadata(ctx, sess, table)
	if err != nil {
		t.Fatalf("FetchTableMetadata failed: %v", err)
	}

	if meta.TableID != 10 || meta.DatabaseID != 2 || meta.Name != "orders" {
		t.Errorf("unexpected table identity: %+v", meta)
	}
	if meta.TotalFields != 5 {
		t.Errorf("TotalFields = %d, want 5", meta.TotalFields)
	}
	if len(meta.Fields) != 4 {
		t.Fatalf("expected 4 deduplicated fields, got %d", len(meta.Fields))
	}

	if meta.Fields[0].SemanticType != models.SemanticPrimaryKey {
		t.Errorf("order_id semantic = %q, want primary_key", meta.Fields[0].SemanticType)
	}
	if meta.Fields[2].SemanticType != models.SemanticTimestamp {
		t.Errorf("create_date semantic = %q, want timestamp", meta.Fields[2].SemanticType)
	}

	status := meta.Fields[1]
	if status.ForeignKey == nil {
		t.Fatal("status field should carry FK metadata")
	}
	if status.ForeignKey.TargetTable != "order_status" || status.ForeignKey.TargetField != "status_id" {
		t.Errorf("unexpected FK target: %+v", status.ForeignKey)
	}

	if len(meta.Relationships) != 1 {
		t.Fatalf("expected 1 relationship, got %d", len(meta.Relationships))
	}
	rel := meta.Relationships[0]
	if !rel.Resolved || rel.TargetTable != "order_status" || rel.FromField != "status" {
		t.Errorf("unexpected relationship: %+v", rel)
	}
}

func TestFetchTableMetadataUnresolvedTarget(t *testing.T) {
	fkTarget := 55
	api := &fakeMetadataAPI{
		metadata: map[int]*metabase.QueryMetadata{
			10: {
				ID:   10,
				Name: "orders",
				Fields: []metabase.Field{
					{
						ID: 2, Name: "status", EffectiveType: "type/Integer",
						FKTargetFieldID: &fkTarget,
						Target:          &metabase.FieldTarget{ID: fkTarget, Name: "status_id", TableID: 99},
					},
				},
			},
		},
		tableByID: map[int]*metabase.Table{}, // target table lookup will 404
	}
	fetcher := NewMetadataFetcher(api, testRetryConfig(), zap.NewNop())

	meta, err := fetcher.FetchTableMetadata(context.Background(), metabase.Session{Token: "tok"}, metabase.Table{ID: 10, Name: "orders", DatabaseID: 2})
	if err != nil {
		t.Fatalf("FetchTableMetadata failed: %v", err)
	}

	if len(meta.Relationships) != 1 {
		t.Fatalf("expected relationship kept, got %d", len(meta.Relationships))
	}
	if meta.Relationships[0].Resolved {
		t.Error("relationship should be unresolved when the target table lookup fails")
	}
	if meta.Fields[0].ForeignKey != nil {
		t.Error("field should not carry FK metadata for an unresolved target")
	}
}

func TestFetchTableMetadataNotFound(t *testing.T) {
	api := &fakeMetadataAPI{metadataErr: apperrors.ErrNotFound}
	fetcher := NewMetadataFetcher(api, testRetryConfig(), zap.NewNop())

	_, err := fetcher.FetchTableMetadata(context.Background(), metabase.Session{Token: "tok"}, metabase.Table{ID: 10, Name: "orders"})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
