// Package descriptor defines the data-only persistence-unit shape consumed
// by the factory bootstrap. A UnitDescriptor carries defaults for every
// field; it has no behavior beyond lazy allocation of its property bag.
package descriptor

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Descriptor is the configuration shape the factory bootstrap consumes.
type Descriptor interface {
	// Name identifies the unit, unique per adapter instance.
	Name() string
	// ProviderName names the backing engine implementation.
	ProviderName() string
	// TransactionType is "local", "coordinated", or empty for unspecified.
	TransactionType() string
	// ManagedEntityNames lists logical entity names registered explicitly.
	ManagedEntityNames() []string
	// MappingFileNames lists mapping resource paths, already normalized.
	MappingFileNames() []string
	// JarFileURLs lists additional archive locations to scan. Unused by
	// the embedded engine but part of the bootstrap shape.
	JarFileURLs() []string
	// NonCoordinatedDataSource and CoordinatedDataSource return externally
	// managed data sources, or nil when the bootstrap should connect
	// itself.
	NonCoordinatedDataSource() any
	CoordinatedDataSource() any
	// Properties returns the unit's property bag, never nil.
	Properties() map[string]string
	// UseQuotedIdentifiers reports whether all identifiers are quoted.
	UseQuotedIdentifiers() bool
	// ExcludeUnlistedEntities reports whether discovery is restricted to
	// ManagedEntityNames.
	ExcludeUnlistedEntities() bool
}

// UnitDescriptor is the default Descriptor adapter. The zero value is
// usable: list fields report non-nil empty slices and the property bag is
// allocated on first access.
type UnitDescriptor struct {
	name               string
	transactionType    string
	managedEntityNames []string
	mappingFileNames   []string
	properties         map[string]string
}

// New builds a UnitDescriptor with a unique generated name.
func New() *UnitDescriptor {
	return &UnitDescriptor{name: fmt.Sprintf("unit-descriptor-%s", randomSuffix())}
}

// WithTransactionType sets the transaction type and returns the descriptor.
func (d *UnitDescriptor) WithTransactionType(t string) *UnitDescriptor {
	d.transactionType = t
	return d
}

// WithManagedEntityNames sets the explicit entity list.
func (d *UnitDescriptor) WithManagedEntityNames(names ...string) *UnitDescriptor {
	d.managedEntityNames = names
	return d
}

// WithMappingFileNames sets the normalized mapping resource paths.
func (d *UnitDescriptor) WithMappingFileNames(paths ...string) *UnitDescriptor {
	d.mappingFileNames = paths
	return d
}

func (d *UnitDescriptor) Name() string {
	if d.name == "" {
		d.name = fmt.Sprintf("unit-descriptor-%s", randomSuffix())
	}
	return d.name
}

func (d *UnitDescriptor) ProviderName() string { return "auditkit" }

func (d *UnitDescriptor) TransactionType() string { return d.transactionType }

func (d *UnitDescriptor) ManagedEntityNames() []string {
	if d.managedEntityNames == nil {
		return []string{}
	}
	return d.managedEntityNames
}

func (d *UnitDescriptor) MappingFileNames() []string {
	if d.mappingFileNames == nil {
		return []string{}
	}
	return d.mappingFileNames
}

func (d *UnitDescriptor) JarFileURLs() []string { return []string{} }

func (d *UnitDescriptor) NonCoordinatedDataSource() any { return nil }

func (d *UnitDescriptor) CoordinatedDataSource() any { return nil }

// Properties lazily allocates the property bag on first access.
func (d *UnitDescriptor) Properties() map[string]string {
	if d.properties == nil {
		d.properties = make(map[string]string)
	}
	return d.properties
}

func (d *UnitDescriptor) UseQuotedIdentifiers() bool { return false }

func (d *UnitDescriptor) ExcludeUnlistedEntities() bool { return false }

func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}
