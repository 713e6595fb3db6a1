package atlas

import (
	"go.uber.org/zap"

	"github.com/veiloq/auditkit/config"
)

// WithAtlas configures the factory scope to apply Atlas migrations after
// schema export. It uses the HCL path from WithAtlasHCLPath (default
// "atlas.hcl"). The scope's logger replaces the temporary one when Apply
// runs.
func WithAtlas() config.Option {
	return func(sts *config.Settings) {
		sts.SetMigrator(NewMigrator(sts.AtlasHCLPath(), zap.NewNop()))
	}
}
