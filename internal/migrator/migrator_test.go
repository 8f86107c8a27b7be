package migrator

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sailfishos/sailjaild/internal/appinfo"
	"github.com/sailfishos/sailjaild/internal/config"
	"github.com/sailfishos/sailjaild/internal/later"
	"github.com/sailfishos/sailjaild/internal/pathutil"
	"github.com/sailfishos/sailjaild/internal/settings"
	"github.com/sailfishos/sailjaild/internal/stringset"
)

type fakeApps struct {
	table map[string]*appinfo.AppInfo
}

func newFakeApps() *fakeApps { return &fakeApps{table: make(map[string]*appinfo.AppInfo)} }

func (f *fakeApps) set(appid, org, app string, perms ...string) {
	info := appinfo.New(appid)
	info.State = appinfo.Valid
	info.OrganizationName = org
	info.ApplicationName = app
	info.Effective = stringset.FromSlice(perms)
	f.table[appid] = info
}

func (f *fakeApps) AppInfo(appid string) *appinfo.AppInfo { return f.table[appid] }

type fakeUsers struct {
	exists map[int]bool
	guest  int
	first  int
	last   int
}

func (f *fakeUsers) Exists(uid int) bool  { return f.exists[uid] }
func (f *fakeUsers) IsGuest(uid int) bool { return uid == f.guest }
func (f *fakeUsers) FirstUser() int       { return f.first }
func (f *fakeUsers) LastUser() int        { return f.last }

func writeLegacyApproval(t *testing.T, uid int, appid, org, app string, perms []string) string {
	t.Helper()
	dir := filepath.Join(pathutil.LegacyApprovalRoot, strconv.Itoa(uid), pathutil.ApplicationsDirectory, appid+pathutil.ApplicationsExtension)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, pathutil.SailjailSectionPrimary)
	contents := "[Permissions]\nPermissions=" + strings.Join(perms, ";") + "\nOrganizationName=" + org + "\nApplicationName=" + app + "\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func withTempRoots(t *testing.T) {
	t.Helper()
	approvalRoot := t.TempDir()
	settingsDir := t.TempDir()
	confDir := t.TempDir()

	origApproval := pathutil.LegacyApprovalRoot
	origSettings := pathutil.SettingsDirectory
	origConf := pathutil.ConfigDirectory

	pathutil.LegacyApprovalRoot = approvalRoot
	pathutil.SettingsDirectory = settingsDir
	pathutil.ConfigDirectory = confDir

	t.Cleanup(func() {
		pathutil.LegacyApprovalRoot = origApproval
		pathutil.SettingsDirectory = origSettings
		pathutil.ConfigDirectory = origConf
	})
}

func TestMigratorFoldsLegacyApprovalIntoSettings(t *testing.T) {
	withTempRoots(t)

	uid := 100000
	path := writeLegacyApproval(t, uid, "myapp", "org.example", "MyApp", []string{"CameraPermission", "MicrophonePermission"})

	apps := newFakeApps()
	apps.set("myapp", "org.example", "MyApp", "CameraPermission", "MicrophonePermission")
	users := &fakeUsers{exists: map[int]bool{uid: true}, guest: -1, first: uid, last: uid}

	cfg := config.Load()
	loop := later.NewLoop()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go loop.Run(stop)

	s := settings.New(nil, cfg, apps, users, loop, nil)
	t.Cleanup(s.Close)

	m := New(s, apps, users, loop, nil)
	s.SetSaveNotifier(m)

	waitForState(t, m, stateFinal)

	as := s.GetAppSettings(uid, "myapp")
	if as == nil {
		t.Fatal("expected settings to have been created for myapp")
	}
	if as.Allowed() != settings.AllowedAlways {
		t.Fatalf("Allowed = %v, want Always after migration", as.Allowed())
	}
	if !as.Granted().Equal(stringset.FromSlice([]string{"CameraPermission", "MicrophonePermission"})) {
		t.Fatalf("Granted = %v, want the migrated permissions", as.Granted().ToSlice())
	}

	waitForRemoval(t, path)
}

func TestMigratorLeavesUnrecognizedAppUnmigratedButStillRemoves(t *testing.T) {
	withTempRoots(t)

	uid := 100000
	path := writeLegacyApproval(t, uid, "ghostapp", "org.example", "Ghost", []string{"CameraPermission"})

	apps := newFakeApps() // "ghostapp" is never registered: not a currently valid application
	users := &fakeUsers{exists: map[int]bool{uid: true}, guest: -1, first: uid, last: uid}

	cfg := config.Load()
	loop := later.NewLoop()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go loop.Run(stop)

	s := settings.New(nil, cfg, apps, users, loop, nil)
	t.Cleanup(s.Close)

	m := New(s, apps, users, loop, nil)
	s.SetSaveNotifier(m)

	waitForState(t, m, stateMigrated)
	// No settings were dirtied by an unmatched approval, so nothing will
	// ever reach disk to fire OnSettingsSaved; call it directly in place of
	// a save notification, and confirm cleanup still happens.
	m.OnSettingsSaved()

	waitForRemoval(t, path)
}

func waitForState(t *testing.T, m *Migrator, want state) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.state == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", m.state, want)
}

func waitForRemoval(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %s to have been removed", path)
}
