package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Reader answers revision queries against the audit tables written through
// a Service. Readers are stateless over the querier and safe to reuse
// across a test.
type Reader struct {
	q       Querier
	service *Service
}

// NewReader builds a reader over the given querier, usually the factory's
// connection pool.
func NewReader(q Querier, service *Service) *Reader {
	return &Reader{q: q, service: service}
}

// Revisions returns the revision numbers at which the entity with the
// given id was changed, in ascending order.
func (r *Reader) Revisions(ctx context.Context, entityName string, id int64) ([]int64, error) {
	e, err := r.service.Entity(entityName)
	if err != nil {
		return nil, err
	}
	rows, err := r.q.Query(ctx,
		fmt.Sprintf("SELECT rev FROM %s WHERE id = $1 ORDER BY rev", r.service.auditTableRef(e)),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query revisions of %q id %d: %w", entityName, id, err)
	}
	defer rows.Close()

	var revs []int64
	for rows.Next() {
		var rev int64
		if err := rows.Scan(&rev); err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		revs = append(revs, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read revisions of %q id %d: %w", entityName, id, err)
	}
	return revs, nil
}

// RevisionTimestamp returns the wall-clock timestamp stored for a revision.
func (r *Reader) RevisionTimestamp(ctx context.Context, rev int64) (time.Time, error) {
	var millis int64
	err := r.q.QueryRow(ctx,
		fmt.Sprintf("SELECT revtstmp FROM %s WHERE rev = $1", r.service.RevisionTable()),
		rev,
	).Scan(&millis)
	if err != nil {
		if err == pgx.ErrNoRows {
			return time.Time{}, fmt.Errorf("revision %d does not exist", rev)
		}
		return time.Time{}, fmt.Errorf("failed to query revision %d: %w", rev, err)
	}
	return time.UnixMilli(millis), nil
}

// Find returns the audited state of the entity with the given id as of the
// given revision, or pgx.ErrNoRows wrapped when no snapshot exists there.
// The returned map holds the entity's payload columns.
func (r *Reader) Find(ctx context.Context, entityName string, id, rev int64) (map[string]any, error) {
	e, err := r.service.Entity(entityName)
	if err != nil {
		return nil, err
	}
	if len(e.Columns) == 0 {
		return nil, fmt.Errorf("entity %q has no payload columns to read", entityName)
	}

	names := make([]string, len(e.Columns))
	for i, c := range e.Columns {
		names[i] = pgx.Identifier{c.Name}.Sanitize()
	}
	auditTable := r.service.auditTableRef(e)
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE id = $1 AND %s ORDER BY rev DESC LIMIT 1",
		strings.Join(names, ", "), auditTable, r.service.Strategy().SnapshotPredicate(auditTable),
	)

	values := make([]any, len(e.Columns))
	dests := make([]any, len(e.Columns))
	for i := range values {
		dests[i] = &values[i]
	}
	if err := r.q.QueryRow(ctx, query, id, rev).Scan(dests...); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("no audited state for %q id %d at revision %d: %w", entityName, id, rev, err)
		}
		return nil, fmt.Errorf("failed to query audited state of %q id %d: %w", entityName, id, err)
	}

	out := make(map[string]any, len(e.Columns))
	for i, c := range e.Columns {
		out[c.Name] = values[i]
	}
	return out, nil
}
