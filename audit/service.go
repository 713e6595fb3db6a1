package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Revision change types recorded in the revtype column.
const (
	RevTypeInsert int16 = 0
	RevTypeUpdate int16 = 1
	RevTypeDelete int16 = 2
)

// Querier is the subset of pgx query execution shared by pgxpool.Pool,
// pgx.Tx, and session handles. Audit writes accept it so a test can record
// revisions inside or outside an explicit transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Service owns audit naming and the revision write path for one factory.
type Service struct {
	suffix        string
	revisionTable string
	strategy      Strategy
	entities      map[string]Entity
}

// NewService builds the audit service for the given entities. suffix
// defaults to "_aud" and revisionTable to "revinfo" when empty.
func NewService(suffix, revisionTable string, strategy Strategy, entities []Entity) *Service {
	if suffix == "" {
		suffix = "_aud"
	}
	if revisionTable == "" {
		revisionTable = "revinfo"
	}
	byName := make(map[string]Entity, len(entities))
	for _, e := range entities {
		byName[e.Name] = e
	}
	return &Service{
		suffix:        suffix,
		revisionTable: revisionTable,
		strategy:      strategy,
		entities:      byName,
	}
}

// Strategy returns the active audit strategy.
func (s *Service) Strategy() Strategy { return s.strategy }

// RevisionTable returns the quoted revision-table reference.
func (s *Service) RevisionTable() string {
	return pgx.Identifier{s.revisionTable}.Sanitize()
}

// AuditTableName returns the audit table name derived from an entity table.
func (s *Service) AuditTableName(table string) string {
	return table + s.suffix
}

// AuditEntityName returns the audit entity name for a logical entity name.
func (s *Service) AuditEntityName(name string) string {
	return name + s.suffix
}

// Entity resolves a registered entity by logical name.
func (s *Service) Entity(name string) (Entity, error) {
	e, ok := s.entities[name]
	if !ok {
		return Entity{}, fmt.Errorf("entity %q is not registered with this factory", name)
	}
	return e, nil
}

// Entities returns the registered entities sorted by name.
func (s *Service) Entities() []Entity {
	out := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) auditTableRef(e Entity) string {
	return qualify(e.Schema, s.AuditTableName(e.TableName()))
}

// NewRevision inserts a revision row and returns its number.
func (s *Service) NewRevision(ctx context.Context, q Querier) (int64, error) {
	var rev int64
	err := q.QueryRow(ctx,
		fmt.Sprintf("INSERT INTO %s (revtstmp) VALUES ($1) RETURNING rev", s.RevisionTable()),
		time.Now().UnixMilli(),
	).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("failed to create revision: %w", err)
	}
	return rev, nil
}

// Record writes one audit row for the entity under a fresh revision and
// returns the revision number. values maps column names to their audited
// state; only registered entity columns are accepted. With the validity
// strategy the previous open audit row for the id is closed first.
func (s *Service) Record(ctx context.Context, q Querier, entityName string, id int64, values map[string]any, revType int16) (int64, error) {
	e, err := s.Entity(entityName)
	if err != nil {
		return 0, err
	}
	cols := make(map[string]bool, len(e.Columns))
	for _, c := range e.Columns {
		cols[c.Name] = true
	}
	for name := range values {
		if !cols[name] {
			return 0, fmt.Errorf("column %q is not part of entity %q", name, entityName)
		}
	}

	rev, err := s.NewRevision(ctx, q)
	if err != nil {
		return 0, err
	}

	auditTable := s.auditTableRef(e)
	if s.strategy.Name() == StrategyValidity {
		_, err = q.Exec(ctx,
			fmt.Sprintf("UPDATE %s SET revend = $1 WHERE id = $2 AND revend IS NULL", auditTable),
			rev, id,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to close prior validity interval for %q id %d: %w", entityName, id, err)
		}
	}

	names := []string{"id", "rev", "revtype"}
	args := []any{id, rev, revType}
	for _, c := range e.Columns {
		if v, ok := values[c.Name]; ok {
			names = append(names, pgx.Identifier{c.Name}.Sanitize())
			args = append(args, v)
		}
	}
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	_, err = q.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		auditTable, strings.Join(names, ", "), strings.Join(placeholders, ", "),
	), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to record audit row for %q id %d: %w", entityName, id, err)
	}
	return rev, nil
}
