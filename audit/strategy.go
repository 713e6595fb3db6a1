package audit

import (
	"errors"
	"fmt"
)

// Strategy names accepted by StrategyByName. The default strategy records
// one audit row per change; the validity strategy additionally maintains a
// revend column so each audit row describes the revision interval during
// which the snapshot was valid.
const (
	StrategyDefault  = "default"
	StrategyValidity = "validity"
)

// ErrUnknownStrategy is returned by StrategyByName for unrecognized names.
var ErrUnknownStrategy = errors.New("unknown audit strategy")

// Strategy defines how audit rows are shaped and queried.
type Strategy interface {
	// Name returns the strategy's registered name.
	Name() string
	// AuditColumns returns the audit bookkeeping columns appended to every
	// audit table, in declaration order.
	AuditColumns() []Column
	// SnapshotPredicate returns the WHERE fragment selecting the audit row
	// that represents the entity state at revision $2 for id $1. The
	// fragment is appended to "WHERE id = $1 AND ".
	SnapshotPredicate(auditTable string) string
}

// StrategyByName resolves a strategy name. An empty name selects the
// default strategy.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", StrategyDefault:
		return defaultStrategy{}, nil
	case StrategyValidity:
		return validityStrategy{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

type defaultStrategy struct{}

func (defaultStrategy) Name() string { return StrategyDefault }

func (defaultStrategy) AuditColumns() []Column {
	return []Column{
		{Name: "rev", Type: "bigint"},
		{Name: "revtype", Type: "smallint"},
	}
}

func (defaultStrategy) SnapshotPredicate(auditTable string) string {
	// Latest audit row at or before the requested revision, excluding
	// deletions.
	return fmt.Sprintf(
		"rev = (SELECT max(rev) FROM %s WHERE id = $1 AND rev <= $2) AND revtype <> %d",
		auditTable, RevTypeDelete,
	)
}

type validityStrategy struct{}

func (validityStrategy) Name() string { return StrategyValidity }

func (validityStrategy) AuditColumns() []Column {
	return []Column{
		{Name: "rev", Type: "bigint"},
		{Name: "revtype", Type: "smallint"},
		{Name: "revend", Type: "bigint"},
	}
}

func (validityStrategy) SnapshotPredicate(string) string {
	return fmt.Sprintf(
		"rev <= $2 AND (revend IS NULL OR revend > $2) AND revtype <> %d",
		RevTypeDelete,
	)
}
