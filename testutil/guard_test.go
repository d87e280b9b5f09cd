package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPredicates(t *testing.T) {
	cases := []struct {
		name string
		fn   func(string) bool
		in   string
		want bool
	}{
		{"internal", InternalImportForbidden, "example.com/mod/internal/x", true},
		{"internal", InternalImportForbidden, "example.com/mod/pkg/x", false},
		{"third party", ThirdPartyImport, "github.com/sirupsen/logrus", true},
		{"third party", ThirdPartyImport, "encoding/json", false},
		{"prefix", ImportPrefixes("mod/pkg/dataset"), "mod/pkg/dataset", true},
		{"prefix", ImportPrefixes("mod/pkg/dataset"), "mod/pkg/dataset/sub", true},
		{"prefix", ImportPrefixes("mod/pkg/dataset"), "mod/pkg/datasetx", false},
	}
	for _, c := range cases {
		if got := c.fn(c.in); got != c.want {
			t.Fatalf("%s(%q)=%v want %v", c.name, c.in, got, c.want)
		}
	}
}

type recorder struct{ msgs []string }

func (r *recorder) Fatalf(format string, args ...any) { r.msgs = append(r.msgs, fmt.Sprintf(format, args...)) }

func writePkg(t *testing.T, dir, imp string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	src := fmt.Sprintf("package tmp\nimport _ %q\n", imp)
	if err := os.WriteFile(filepath.Join(dir, "x.go"), []byte(src), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	test := "package tmp\nimport _ \"example.com/forbidden\"\n"
	if err := os.WriteFile(filepath.Join(dir, "x_test.go"), []byte(test), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestDirectImports(t *testing.T) {
	dir := t.TempDir()
	writePkg(t, dir, "fmt")
	AssertNoDirectImports(t, dir, ThirdPartyImport, "test files are ignored")

	viols, err := directImportViolations(dir, func(p string) bool { return p == "fmt" })
	if err != nil || len(viols) != 1 || !strings.Contains(viols[0], "x.go") {
		t.Fatalf("violations %v %v", viols, err)
	}
}

func TestTreeImports(t *testing.T) {
	root := t.TempDir()
	writePkg(t, root, "fmt")
	writePkg(t, filepath.Join(root, "sub"), "example.com/mod/internal/x")
	AssertTreeImports(t, root, ImportPrefixes("example.com/other"), "clean tree")

	viols, err := treeImportViolations(root, InternalImportForbidden)
	if err != nil || len(viols) != 1 || !strings.Contains(viols[0], "sub") {
		t.Fatalf("violations %v %v", viols, err)
	}
	var r recorder
	failIfViolations(&r, "no internal", viols)
	if len(r.msgs) != 1 || !strings.Contains(r.msgs[0], "no internal") {
		t.Fatalf("report %v", r.msgs)
	}
}
