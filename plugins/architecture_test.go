package plugins

import (
	"testing"

	"spectroscopy/testutil"
)

// TestPluginsStayOutOfStorage keeps readers free of drivers and the dataset
// facade: a plugin turns bytes into records and nothing more.
func TestPluginsStayOutOfStorage(t *testing.T) {
	forbidden := testutil.ImportPrefixes(
		"spectroscopy/pkg/dataset",
		"spectroscopy/internal/core",
		"spectroscopy/internal/infra",
		"spectroscopy/internal/blob",
		"spectroscopy/internal/config",
	)
	testutil.AssertTreeImports(t, ".", forbidden, "plugins must not reach storage")
}

