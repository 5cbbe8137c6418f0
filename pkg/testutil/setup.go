package testutil

import (
	"go/token"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/tools/go/packages"
)

// SetupTestEnv creates an isolated workspace with a valid go.mod.
// Returns the directory path and a cleanup function.
// Exported for use in external test packages.
func SetupTestEnv(t *testing.T, prefix string) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	modPath := filepath.Join(dir, "go.mod")
	if err := os.WriteFile(modPath, []byte("module testmod\n\ngo 1.23\n"), 0644); err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to create go.mod: %v", err)
	}

	return dir, func() { os.RemoveAll(dir) }
}

// LoadGoSource compiles a source string in an isolated module and returns
// the loaded packages, ready for SSA export. The environment is hardened the
// same way the sandbox worker runs: no proxy, no cgo.
// Exported for use in external test packages.
func LoadGoSource(t *testing.T, src string) []*packages.Package {
	t.Helper()
	dir, cleanup := SetupTestEnv(t, "export-src-")
	t.Cleanup(cleanup)

	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	env := append(os.Environ(), "GO111MODULE=on", "GOPROXY=off", "CGO_ENABLED=0")
	cfg := &packages.Config{
		Dir:  dir,
		Mode: packages.LoadAllSyntax,
		Fset: token.NewFileSet(),
		Env:  env,
	}

	pkgs, err := packages.Load(cfg, "file="+path)
	if err != nil {
		t.Fatalf("packages.Load: %v", err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		t.Fatal("compilation errors in test source")
	}
	return pkgs
}
