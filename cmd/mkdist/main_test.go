package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeInputs(t *testing.T, dir, versionLine string) (versionFile, readme, gomod string) {
	t.Helper()
	versionFile = filepath.Join(dir, "VERSION")
	os.WriteFile(versionFile, []byte(versionLine), 0600)
	readme = filepath.Join(dir, "README.md")
	os.WriteFile(readme, []byte("# monitor\n"), 0600)
	gomod = filepath.Join(dir, "go.mod")
	os.WriteFile(gomod, []byte("module example.com/m\n\ngo 1.24.0\n"), 0600)
	return versionFile, readme, gomod
}

func TestRun_WritesMetadata(t *testing.T) {
	dir := t.TempDir()
	versionFile, readme, gomod := writeInputs(t, dir, "VERSION = \"1.0.0\"\n")
	outDir := filepath.Join(dir, "dist")

	if err := run(versionFile, "VERSION", readme, gomod, outDir, true); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(outDir, "metadata.json")); err != nil {
		t.Errorf("metadata.json not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "README.html")); err != nil {
		t.Errorf("README.html not written: %v", err)
	}
}

func TestRun_FailsBeforeWritingOnMissingMarker(t *testing.T) {
	dir := t.TempDir()
	versionFile, readme, gomod := writeInputs(t, dir, "no marker here\n")
	outDir := filepath.Join(dir, "dist")

	if err := run(versionFile, "VERSION", readme, gomod, outDir, false); err == nil {
		t.Fatal("run() should fail when the version marker is absent")
	}

	// The output directory must not exist: nothing was produced.
	if _, err := os.Stat(outDir); !os.IsNotExist(err) {
		t.Errorf("dist directory exists after failed build")
	}
}
