package appservices

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/sailfishos/sailjaild/internal/appinfo"
	"github.com/sailfishos/sailjaild/internal/keyfile"
	"github.com/sailfishos/sailjaild/internal/pathutil"
	"github.com/sailfishos/sailjaild/internal/stringset"
)

type fakeApps struct {
	available *stringset.Set
	table     map[string]*appinfo.AppInfo
}

func newFakeApps() *fakeApps {
	return &fakeApps{available: stringset.New(), table: make(map[string]*appinfo.AppInfo)}
}

func (f *fakeApps) set(appid, org, app, exec string) {
	info := appinfo.New(appid)
	info.State = appinfo.Valid
	info.Name, info.Type, info.Exec = appid, "Application", "/usr/bin/"+appid
	info.OrganizationName = org
	info.ApplicationName = app
	info.ExecDBus = exec
	f.table[appid] = info
	f.available.Add(appid)
}

func (f *fakeApps) remove(appid string) {
	delete(f.table, appid)
	f.available.Remove(appid)
}

func (f *fakeApps) Available() *stringset.Set          { return f.available }
func (f *fakeApps) AppInfo(appid string) *appinfo.AppInfo { return f.table[appid] }

type fakeUser struct{ uid int }

func (f *fakeUser) CurrentUser() int { return f.uid }

type recordingNotifier struct{ count int }

func (r *recordingNotifier) OnAppServicesChanged() { r.count++ }

// withRuntimeRoot points pathutil.RuntimeDataDir at a temp directory and
// pre-creates the per-uid run directory that systemd-logind would normally
// own, so appservices only has to create the dbus-1 subdirectories under it.
func withRuntimeRoot(t *testing.T, uid int) {
	t.Helper()
	dir := t.TempDir()
	orig := pathutil.RuntimeDataDir
	pathutil.RuntimeDataDir = dir
	t.Cleanup(func() { pathutil.RuntimeDataDir = orig })

	runDir := filepath.Join(dir, strconv.Itoa(uid))
	if err := os.MkdirAll(runDir, 0755); err != nil {
		t.Fatal(err)
	}
}

func TestRethinkWritesServiceFileForAutoStartApp(t *testing.T) {
	uid := os.Getuid()
	withRuntimeRoot(t, uid)

	apps := newFakeApps()
	apps.set("myapp", "org.example", "MyApp", "/usr/bin/myapp")

	notifier := &recordingNotifier{}
	a := New(notifier, apps, &fakeUser{uid: uid}, nil)

	if a.runDir == "" {
		t.Fatal("expected run directory to be established")
	}
	if notifier.count == 0 {
		t.Fatal("expected a change notification for the initial write")
	}

	path := filepath.Join(a.runDir, pathutil.DBusServicesDirectory, "org.example.MyApp"+pathutil.DBusServicesExtension)
	file, err := keyfile.Load(path)
	if err != nil {
		t.Fatalf("expected service file to exist: %v", err)
	}
	if got := file.GetString(pathutil.DBusServiceSection, pathutil.DBusKeyApplication, ""); got != "myapp" {
		t.Fatalf("X-Sailjail-Application = %q, want myapp", got)
	}
	if got := file.GetString(pathutil.DBusServiceSection, pathutil.DBusKeyExec, ""); got != "/usr/bin/myapp" {
		t.Fatalf("Exec = %q, want /usr/bin/myapp", got)
	}
}

func TestRethinkRemovesServiceFileWhenAppNoLongerAvailable(t *testing.T) {
	uid := os.Getuid()
	withRuntimeRoot(t, uid)

	apps := newFakeApps()
	apps.set("myapp", "org.example", "MyApp", "/usr/bin/myapp")

	a := New(&recordingNotifier{}, apps, &fakeUser{uid: uid}, nil)
	path := filepath.Join(a.runDir, pathutil.DBusServicesDirectory, "org.example.MyApp"+pathutil.DBusServicesExtension)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected service file to exist before removal: %v", err)
	}

	apps.remove("myapp")
	a.Rethink()

	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected service file to be removed once the app is unavailable")
	}
}

func TestWriteServiceFileRenamesOnOrganizationChange(t *testing.T) {
	uid := os.Getuid()
	withRuntimeRoot(t, uid)

	apps := newFakeApps()
	apps.set("myapp", "org.example", "MyApp", "/usr/bin/myapp")

	a := New(&recordingNotifier{}, apps, &fakeUser{uid: uid}, nil)
	oldPath := filepath.Join(a.runDir, pathutil.DBusServicesDirectory, "org.example.MyApp"+pathutil.DBusServicesExtension)

	apps.set("myapp", "org.other", "MyApp", "/usr/bin/myapp")
	a.ApplicationChanged("myapp", apps.AppInfo("myapp"))

	if _, err := os.Stat(oldPath); err == nil {
		t.Fatal("expected old service file to be removed after a name change")
	}
	newPath := filepath.Join(a.runDir, pathutil.DBusServicesDirectory, "org.other.MyApp"+pathutil.DBusServicesExtension)
	if _, err := os.Stat(newPath); err != nil {
		t.Fatalf("expected new service file to exist: %v", err)
	}
}

func TestApplicationChangedSkipsRewriteWhenUnchanged(t *testing.T) {
	uid := os.Getuid()
	withRuntimeRoot(t, uid)

	apps := newFakeApps()
	apps.set("myapp", "org.example", "MyApp", "/usr/bin/myapp")

	notifier := &recordingNotifier{}
	a := New(notifier, apps, &fakeUser{uid: uid}, nil)
	before := notifier.count

	a.ApplicationChanged("myapp", apps.AppInfo("myapp"))

	if notifier.count != before {
		t.Fatalf("expected no additional notification for an unchanged service, got %d new", notifier.count-before)
	}
}

func TestNonAutoStartApplicationIsIgnored(t *testing.T) {
	uid := os.Getuid()
	withRuntimeRoot(t, uid)

	apps := newFakeApps()
	apps.set("myapp", "org.example", "MyApp", "") // no ExecDBus: not an auto-start app

	a := New(&recordingNotifier{}, apps, &fakeUser{uid: uid}, nil)

	if len(a.serviceLUT) != 0 {
		t.Fatalf("serviceLUT = %v, want empty for a non-auto-start app", a.serviceLUT)
	}
}
