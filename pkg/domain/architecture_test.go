package domain_test

import (
	"strings"
	"testing"

	"spectroscopy/testutil"
)

// TestDomainDoesNotImportInternal keeps the graph types free of storage and
// plugin implementations.
func TestDomainDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "domain must stay implementation free")
}

func TestDomainImportsOnlyStandardLibrary(t *testing.T) {
	thirdParty := func(path string) bool {
		first, _, _ := strings.Cut(path, "/")
		return strings.Contains(first, ".")
	}
	testutil.AssertNoDirectImports(t, ".", thirdParty, "domain is shared by every driver and plugin")
}
