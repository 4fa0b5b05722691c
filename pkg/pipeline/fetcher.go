// Package pipeline wires metadata fetching, KPI generation, SQL
// validation, and question registration into one sequential run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/kpi-engine/pkg/apperrors"
	"github.com/ekaya-inc/kpi-engine/pkg/metabase"
	"github.com/ekaya-inc/kpi-engine/pkg/models"
	"github.com/ekaya-inc/kpi-engine/pkg/retry"
)

// MetadataAPI is the slice of the Metabase client the fetcher needs.
type MetadataAPI interface {
	ListDatabases(ctx context.Context, sess metabase.Session) ([]metabase.Database, error)
	ListTables(ctx context.Context, sess metabase.Session) ([]metabase.Table, error)
	TableQueryMetadata(ctx context.Context, sess metabase.Session, tableID int) (*metabase.QueryMetadata, error)
	GetTable(ctx context.Context, sess metabase.Session, tableID int) (*metabase.Table, error)
}

// MetadataFetcher resolves which tables to process and extracts their
// field-level metadata.
type MetadataFetcher interface {
	// PickDatabase selects the database to analyze. An empty name means
	// the first database that is not the Metabase sample database.
	PickDatabase(ctx context.Context, sess metabase.Session, name string) (*metabase.Database, error)

	// ListTables returns the tables of the database, filtered to the
	// given names when the list is non-empty.
	ListTables(ctx context.Context, sess metabase.Session, databaseID int, only []string) ([]metabase.Table, error)

	// FetchTableMetadata extracts field metadata and FK relationships
	// for one table.
	FetchTableMetadata(ctx context.Context, sess metabase.Session, table metabase.Table) (*models.TableMetadata, error)
}

type metadataFetcher struct {
	api      MetadataAPI
	retryCfg *retry.Config
	logger   *zap.Logger
}

// NewMetadataFetcher creates a MetadataFetcher backed by the Metabase API.
func NewMetadataFetcher(api MetadataAPI, retryCfg *retry.Config, logger *zap.Logger) MetadataFetcher {
	return &metadataFetcher{
		api:      api,
		retryCfg: retryCfg,
		logger:   logger.Named("fetcher"),
	}
}

func (f *metadataFetcher) PickDatabase(ctx context.Context, sess metabase.Session, name string) (*metabase.Database, error) {
	var databases []metabase.Database
	err := retry.DoIfRetryable(ctx, f.retryCfg, func() error {
		var err error
		databases, err = f.api.ListDatabases(ctx, sess)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}

	for _, db := range databases {
		if name != "" {
			if strings.EqualFold(db.Name, name) {
				return &db, nil
			}
			continue
		}
		if !strings.EqualFold(db.Name, "Sample Database") {
			return &db, nil
		}
	}

	if name != "" {
		return nil, fmt.Errorf("%w: database %q", apperrors.ErrNotFound, name)
	}
	return nil, fmt.Errorf("%w: no usable database", apperrors.ErrNotFound)
}

func (f *metadataFetcher) ListTables(ctx context.Context, sess metabase.Session, databaseID int, only []string) ([]metabase.Table, error) {
	var all []metabase.Table
	err := retry.DoIfRetryable(ctx, f.retryCfg, func() error {
		var err error
		all, err = f.api.ListTables(ctx, sess)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	wanted := make(map[string]bool, len(only))
	for _, name := range only {
		wanted[strings.ToLower(name)] = true
	}

	var tables []metabase.Table
	for _, t := range all {
		if t.DatabaseID != databaseID {
			continue
		}
		if len(wanted) > 0 && !wanted[strings.ToLower(t.Name)] {
			continue
		}
		tables = append(tables, t)
	}

	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	f.logger.Info("resolved table list",
		zap.Int("database_id", databaseID),
		zap.Int("tables", len(tables)))

	return tables, nil
}

func (f *metadataFetcher) FetchTableMetadata(ctx context.Context, sess metabase.Session, table metabase.Table) (*models.TableMetadata, error) {
	var qm *metabase.QueryMetadata
	err := retry.DoIfRetryable(ctx, f.retryCfg, func() error {
		var err error
		qm, err = f.api.TableQueryMetadata(ctx, sess, table.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query metadata for %s: %w", table.Name, err)
	}

	meta := &models.TableMetadata{
		TableID:     table.ID,
		DatabaseID:  table.DatabaseID,
		Name:        table.Name,
		Schema:      table.Schema,
		Description: table.Description,
		EntityType:  table.EntityType,
		TotalFields: len(qm.Fields),
	}

	// Table name cache for FK target resolution; one lookup per table id.
	targetNames := map[int]string{}

	seen := map[string]bool{}
	for _, field := range qm.Fields {
		if field.Name == "" || seen[strings.ToLower(field.Name)] {
			continue
		}
		seen[strings.ToLower(field.Name)] = true

		info := models.FieldInfo{
			Name:         field.Name,
			Type:         field.EffectiveType,
			Description:  field.Description,
			SemanticType: normalizeSemanticType(field.SemanticType),
		}

		if field.FKTargetFieldID != nil && field.Target != nil {
			targetTable := f.resolveTargetTable(ctx, sess, field.Target.TableID, targetNames)
			rel := models.Relationship{
				FromField:   field.Name,
				TargetTable: targetTable,
				TargetField: field.Target.Name,
				Resolved:    targetTable != "",
			}
			meta.Relationships = append(meta.Relationships, rel)

			if rel.Resolved {
				info.ForeignKey = &models.ForeignKeyRef{
					TargetTable: targetTable,
					TargetField: field.Target.Name,
				}
			}
		}

		meta.Fields = append(meta.Fields, info)
	}

	f.logger.Debug("fetched table metadata",
		zap.String("table", table.Name),
		zap.Int("fields", len(meta.Fields)),
		zap.Int("relationships", len(meta.Relationships)))

	return meta, nil
}

// resolveTargetTable looks up the name of an FK target table. Failure
// degrades to an unresolved relationship instead of failing the table.
func (f *metadataFetcher) resolveTargetTable(ctx context.Context, sess metabase.Session, tableID int, cache map[int]string) string {
	if name, ok := cache[tableID]; ok {
		return name
	}

	var target *metabase.Table
	err := retry.DoIfRetryable(ctx, f.retryCfg, func() error {
		var err error
		target, err = f.api.GetTable(ctx, sess, tableID)
		return err
	})
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			f.logger.Warn("failed to resolve FK target table",
				zap.Int("table_id", tableID),
				zap.Error(err))
		}
		cache[tableID] = ""
		return ""
	}

	cache[tableID] = target.Name
	return target.Name
}

// normalizeSemanticType maps Metabase semantic types onto the small tag
// set the prompts use.
func normalizeSemanticType(semantic string) string {
	switch {
	case semantic == "type/PK":
		return models.SemanticPrimaryKey
	case semantic == "type/FK":
		return models.SemanticForeignKey
	case strings.Contains(semantic, "Timestamp") || semantic == "type/CreationDate":
		return models.SemanticTimestamp
	case semantic == "type/Cost" || semantic == "type/Price" || semantic == "type/Currency":
		return models.SemanticCost
	default:
		return ""
	}
}
