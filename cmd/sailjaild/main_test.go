package main

import (
	"os"
	"path/filepath"
	"testing"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/sailfishos/sailjaild/internal/pathutil"
)

func TestFilesystemSetupCreatesAndRestrictsDirectory(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "settings")

	orig := pathutil.SettingsDirectory
	pathutil.SettingsDirectory = target
	t.Cleanup(func() { pathutil.SettingsDirectory = orig })

	if err := filesystemSetup(); err != nil {
		t.Fatalf("filesystemSetup failed: %v", err)
	}

	fi, err := os.Stat(target)
	if err != nil {
		t.Fatalf("expected directory to be created: %v", err)
	}
	if !fi.IsDir() {
		t.Fatal("expected a directory")
	}
	if fi.Mode().Perm() != 0750 {
		t.Fatalf("mode = %o, want 0750", fi.Mode().Perm())
	}
}

func TestStepTowardsClampsAtBound(t *testing.T) {
	level := hclog.Info
	for i := 0; i < 10; i++ {
		level = stepTowards(level, hclog.Trace)
	}
	if level != hclog.Trace {
		t.Fatalf("level = %v, want to clamp at Trace", level)
	}

	level = hclog.Info
	for i := 0; i < 10; i++ {
		level = stepTowards(level, hclog.Error)
	}
	if level != hclog.Error {
		t.Fatalf("level = %v, want to clamp at Error", level)
	}
}
