package appinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sailfishos/sailjaild/internal/config"
	"github.com/sailfishos/sailjaild/internal/pathutil"
)

func withDirs(t *testing.T) (appDir, overrideDir, confDir string) {
	t.Helper()
	appDir = t.TempDir()
	overrideDir = t.TempDir()
	confDir = t.TempDir()

	origApp, origOverride, origConf := pathutil.ApplicationsDirectory, pathutil.SailjailAppDirectory, pathutil.ConfigDirectory
	pathutil.ApplicationsDirectory = appDir
	pathutil.SailjailAppDirectory = overrideDir
	pathutil.ConfigDirectory = confDir
	t.Cleanup(func() {
		pathutil.ApplicationsDirectory = origApp
		pathutil.SailjailAppDirectory = origOverride
		pathutil.ConfigDirectory = origConf
	})
	return appDir, overrideDir, confDir
}

func writeDesktop(t *testing.T, dir, appid, contents string) {
	t.Helper()
	path := filepath.Join(dir, appid+pathutil.ApplicationsExtension)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestParseValidSailjailApp(t *testing.T) {
	appDir, _, _ := withDirs(t)
	writeDesktop(t, appDir, "org.example.App", `[Desktop Entry]
Name=Example
Type=Application
Exec=/usr/bin/example

[X-Sailjail]
OrganizationName=org.example
ApplicationName=App
Permissions=Internet;Camera
`)

	cfg := config.Load()
	a := New("org.example.App")
	if !a.Parse(cfg) {
		t.Fatal("first parse of a brand new valid app must report changed")
	}
	if a.State != Valid {
		t.Fatalf("state = %v, want Valid", a.State)
	}
	if a.Mode != ModeNormal {
		t.Fatalf("mode = %v, want Normal", a.Mode)
	}
	if !a.Declared.Contains("Internet") || !a.Declared.Contains("Camera") {
		t.Fatalf("declared permissions = %v", a.Declared.ToSlice())
	}
}

func TestParseUnchangedReturnsFalse(t *testing.T) {
	appDir, _, _ := withDirs(t)
	writeDesktop(t, appDir, "org.example.App", `[Desktop Entry]
Name=Example
Type=Application
Exec=/usr/bin/example
`)
	cfg := config.Load()
	a := New("org.example.App")
	if !a.Parse(cfg) {
		t.Fatal("first parse must report changed")
	}
	if a.Parse(cfg) {
		t.Fatal("re-parse with no file modification must report no change")
	}
}

func TestParseMissingBecomesDeleted(t *testing.T) {
	appDir, _, _ := withDirs(t)
	path := filepath.Join(appDir, "org.example.App"+pathutil.ApplicationsExtension)
	writeDesktop(t, appDir, "org.example.App", `[Desktop Entry]
Name=Example
Type=Application
Exec=/usr/bin/example
`)
	cfg := config.Load()
	a := New("org.example.App")
	a.Parse(cfg)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if !a.Parse(cfg) {
		t.Fatal("transition to Deleted must report changed")
	}
	if a.State != Deleted {
		t.Fatalf("state = %v, want Deleted", a.State)
	}
}

func TestParseInvalidWhenRequiredFieldsMissing(t *testing.T) {
	appDir, _, _ := withDirs(t)
	writeDesktop(t, appDir, "org.example.App", `[Desktop Entry]
Name=Example
`)
	cfg := config.Load()
	a := New("org.example.App")
	a.Parse(cfg)
	if a.State != Invalid {
		t.Fatalf("state = %v, want Invalid", a.State)
	}
}

func TestOverrideMergesOntoPrimary(t *testing.T) {
	appDir, overrideDir, _ := withDirs(t)
	writeDesktop(t, appDir, "org.example.App", `[Desktop Entry]
Name=Example
Type=Application
Exec=/usr/bin/example
Icon=example-icon

[X-Sailjail]
Permissions=Internet
`)
	writeDesktop(t, overrideDir, "org.example.App", `[X-Sailjail]
Permissions=Internet;Camera
`)
	cfg := config.Load()
	a := New("org.example.App")
	a.Parse(cfg)

	if a.Icon != "example-icon" {
		t.Fatalf("icon = %q, want untouched base value", a.Icon)
	}
	if !a.Declared.Contains("Camera") {
		t.Fatalf("declared = %v, want override permissions merged in", a.Declared.ToSlice())
	}
}

func TestLegacyAppUsesDefaultProfile(t *testing.T) {
	appDir, _, confDir := withDirs(t)
	writeDesktop(t, appDir, "org.example.Legacy", `[Desktop Entry]
Name=Legacy
Type=Application
Exec=/usr/bin/legacy
`)
	if err := os.WriteFile(filepath.Join(confDir, "00-base.conf"), []byte(`[Default Profile]
Enabled=true
Permissions=Internet
`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Load()
	a := New("org.example.Legacy")
	a.Parse(cfg)

	if a.Mode != ModeCompatibility {
		t.Fatalf("mode = %v, want Compatibility", a.Mode)
	}
	if !a.Declared.Contains("Internet") {
		t.Fatalf("declared = %v, want default profile permissions", a.Declared.ToSlice())
	}
}

func TestLegacyAppWithoutDefaultProfileIsModeNone(t *testing.T) {
	appDir, _, _ := withDirs(t)
	writeDesktop(t, appDir, "org.example.Legacy", `[Desktop Entry]
Name=Legacy
Type=Application
Exec=/usr/bin/legacy
`)
	cfg := config.Load()
	a := New("org.example.Legacy")
	a.Parse(cfg)
	if a.Mode != ModeNone {
		t.Fatalf("mode = %v, want None", a.Mode)
	}
}

func TestSandboxingDisabledForcesModeNone(t *testing.T) {
	appDir, _, _ := withDirs(t)
	writeDesktop(t, appDir, "org.example.App", `[Desktop Entry]
Name=Example
Type=Application
Exec=/usr/bin/example

[X-Sailjail]
Sandboxing=Disabled
Permissions=Internet
`)
	cfg := config.Load()
	a := New("org.example.App")
	a.Parse(cfg)
	if a.Mode != ModeNone {
		t.Fatalf("mode = %v, want None when Sandboxing=Disabled", a.Mode)
	}
}

func TestExecDBusGetsInvokerPrefix(t *testing.T) {
	appDir, _, _ := withDirs(t)
	writeDesktop(t, appDir, "org.example.App", `[Desktop Entry]
Name=Example
Type=Application
Exec=/usr/bin/example
X-Nemo-Application-Type=silica-qt5

[X-Sailjail]
ExecDBus=/usr/bin/example --dbus
Permissions=Internet
`)
	cfg := config.Load()
	a := New("org.example.App")
	a.Parse(cfg)

	want := "/usr/bin/invoker --type=silica-qt5 --id=org.example.App --single-instance /usr/bin/example --dbus"
	if a.ExecDBus != want {
		t.Fatalf("execdbus = %q, want %q", a.ExecDBus, want)
	}
}

func TestExecDBusAlreadyInvokedIsLeftAlone(t *testing.T) {
	appDir, _, _ := withDirs(t)
	writeDesktop(t, appDir, "org.example.App", `[Desktop Entry]
Name=Example
Type=Application
Exec=/usr/bin/example

[X-Sailjail]
ExecDBus=invoker --type=generic --id=org.example.App /usr/bin/example
Permissions=Internet
`)
	cfg := config.Load()
	a := New("org.example.App")
	a.Parse(cfg)

	want := "invoker --type=generic --id=org.example.App /usr/bin/example"
	if a.ExecDBus != want {
		t.Fatalf("execdbus = %q, want untouched %q", a.ExecDBus, want)
	}
}

func TestRecomputeEffectiveIntersectsWithAvailable(t *testing.T) {
	appDir, _, _ := withDirs(t)
	writeDesktop(t, appDir, "org.example.App", `[Desktop Entry]
Name=Example
Type=Application
Exec=/usr/bin/example

[X-Sailjail]
Permissions=Internet;Camera;Nonexistent
`)
	cfg := config.Load()
	a := New("org.example.App")
	a.Parse(cfg)

	available := a.Declared.Copy()
	available.Remove("Nonexistent")

	if !a.RecomputeEffective(available) {
		t.Fatal("first recompute from empty Effective must report changed")
	}
	if a.Effective.Contains("Nonexistent") {
		t.Fatal("effective must not contain a permission outside the available set")
	}
	if !a.Effective.Contains("Internet") || !a.Effective.Contains("Camera") {
		t.Fatalf("effective = %v", a.Effective.ToSlice())
	}
	if a.RecomputeEffective(available) {
		t.Fatal("recompute with unchanged available set must report no change")
	}
}
