package descriptor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_GeneratesUniqueNames(t *testing.T) {
	a := New()
	b := New()

	assert.True(t, strings.HasPrefix(a.Name(), "unit-descriptor-"))
	assert.NotEqual(t, a.Name(), b.Name())
	// The name is stable across calls.
	assert.Equal(t, a.Name(), a.Name())
}

func TestUnitDescriptor_ZeroValueIsUsable(t *testing.T) {
	var d UnitDescriptor

	assert.NotEmpty(t, d.Name(), "zero value generates a name on first access")

	require.NotNil(t, d.ManagedEntityNames())
	assert.Empty(t, d.ManagedEntityNames())
	require.NotNil(t, d.MappingFileNames())
	assert.Empty(t, d.MappingFileNames())
	require.NotNil(t, d.JarFileURLs())
	assert.Empty(t, d.JarFileURLs())

	assert.Nil(t, d.NonCoordinatedDataSource())
	assert.Nil(t, d.CoordinatedDataSource())
	assert.False(t, d.UseQuotedIdentifiers())
	assert.False(t, d.ExcludeUnlistedEntities())
	assert.Empty(t, d.TransactionType())
	assert.Equal(t, "auditkit", d.ProviderName())
}

func TestUnitDescriptor_Builders(t *testing.T) {
	d := New().
		WithTransactionType("coordinated").
		WithManagedEntityNames("Customer", "Order").
		WithMappingFileNames("testdata/mappings/customer.sql")

	assert.Equal(t, "coordinated", d.TransactionType())
	assert.Equal(t, []string{"Customer", "Order"}, d.ManagedEntityNames())
	assert.Equal(t, []string{"testdata/mappings/customer.sql"}, d.MappingFileNames())
}

func TestUnitDescriptor_PropertiesLazilyAllocated(t *testing.T) {
	d := New()

	props := d.Properties()
	require.NotNil(t, props)
	assert.Empty(t, props)

	// The bag is allocated once and writable through the returned map.
	props["engine.quoting"] = "off"
	assert.Equal(t, "off", d.Properties()["engine.quoting"])
}
