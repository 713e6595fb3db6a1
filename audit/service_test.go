package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntity_TableName(t *testing.T) {
	e := Entity{Name: "Customer"}
	assert.Equal(t, "customer", e.TableName(), "table name defaults to lowercase entity name")

	e.Table = "crm_customers"
	assert.Equal(t, "crm_customers", e.TableName())
}

func TestEntity_QualifiedTable(t *testing.T) {
	e := Entity{Name: "Customer"}
	assert.Equal(t, `"customer"`, e.QualifiedTable())

	e.Schema = "audit_data"
	assert.Equal(t, `"audit_data"."customer"`, e.QualifiedTable())
}

func TestNewService_Defaults(t *testing.T) {
	strategy, err := StrategyByName("")
	require.NoError(t, err)

	s := NewService("", "", strategy, nil)
	assert.Equal(t, "customers_aud", s.AuditTableName("customers"))
	assert.Equal(t, "Customer_aud", s.AuditEntityName("Customer"))
	assert.Equal(t, `"revinfo"`, s.RevisionTable())
}

func TestNewService_CustomNaming(t *testing.T) {
	strategy, err := StrategyByName("")
	require.NoError(t, err)

	s := NewService("_history", "revision_log", strategy, nil)
	assert.Equal(t, "customers_history", s.AuditTableName("customers"))
	assert.Equal(t, `"revision_log"`, s.RevisionTable())
}

func TestService_EntityLookup(t *testing.T) {
	strategy, err := StrategyByName("")
	require.NoError(t, err)

	entities := []Entity{
		{Name: "Order", Columns: []Column{{Name: "total", Type: "numeric"}}},
		{Name: "Customer", Columns: []Column{{Name: "name", Type: "text"}}},
	}
	s := NewService("", "", strategy, entities)

	e, err := s.Entity("Customer")
	require.NoError(t, err)
	assert.Equal(t, "customer", e.TableName())

	_, err = s.Entity("Invoice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invoice")

	sorted := s.Entities()
	require.Len(t, sorted, 2)
	assert.Equal(t, "Customer", sorted[0].Name, "entities are returned sorted by name")
	assert.Equal(t, "Order", sorted[1].Name)
}
