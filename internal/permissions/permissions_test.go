package permissions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sailfishos/sailjaild/internal/later"
	"github.com/sailfishos/sailjaild/internal/pathutil"
)

type recordingNotifier struct {
	calls int
}

func (r *recordingNotifier) OnPermissionsChanged() { r.calls++ }

func withPermissionsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig := pathutil.PermissionsDirectory
	pathutil.PermissionsDirectory = dir
	t.Cleanup(func() { pathutil.PermissionsDirectory = orig })
	return dir
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	path := filepath.Join(dir, name+pathutil.PermissionsExtension)
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestPrivilegedAlwaysPresentBaseAlwaysAbsent(t *testing.T) {
	dir := withPermissionsDir(t)
	touch(t, dir, "Internet")
	touch(t, dir, "Base")

	loop := later.NewLoop()
	stop := make(chan struct{})
	defer close(stop)
	go loop.Run(stop)

	p := New(&recordingNotifier{}, loop, nil)
	defer p.Close()

	avail := p.Available()
	if !avail.Contains(pathutil.PermissionPrivileged) {
		t.Fatal("Privileged must always be present")
	}
	if avail.Contains(pathutil.PermissionBase) {
		t.Fatal("Base must never be present")
	}
	if !avail.Contains("Internet") {
		t.Fatal("expected Internet permission from directory listing")
	}
}

func TestRescanDetectsAddAndRemove(t *testing.T) {
	dir := withPermissionsDir(t)
	loop := later.NewLoop()
	stop := make(chan struct{})
	defer close(stop)
	go loop.Run(stop)

	p := New(&recordingNotifier{}, loop, nil)
	defer p.Close()

	touch(t, dir, "Camera")
	if !p.scanNow() {
		t.Fatal("expected scan to detect the new permission file")
	}
	if !p.current.Contains("Camera") {
		t.Fatal("expected Camera to be added")
	}

	if err := os.Remove(filepath.Join(dir, "Camera"+pathutil.PermissionsExtension)); err != nil {
		t.Fatal(err)
	}
	if !p.scanNow() {
		t.Fatal("expected scan to detect the removed permission file")
	}
	if p.current.Contains("Camera") {
		t.Fatal("expected Camera to be removed")
	}
}

func TestLowercaseFilesAreIgnored(t *testing.T) {
	dir := withPermissionsDir(t)
	touch(t, dir, "lowercase")

	loop := later.NewLoop()
	stop := make(chan struct{})
	defer close(stop)
	go loop.Run(stop)

	p := New(&recordingNotifier{}, loop, nil)
	defer p.Close()

	if p.Available().Contains("lowercase") {
		t.Fatal("lowercase-named files must not count as permissions")
	}
}
