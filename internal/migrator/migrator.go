// Package migrator folds permission approvals recorded by the legacy
// sailfish-homescreen launcher into sailjaild's own settings store, then
// deletes the legacy files once the folded-in settings have actually been
// written to disk. Grounded on the original's daemon/migrator.c.
package migrator

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/sailfishos/sailjaild/internal/appinfo"
	"github.com/sailfishos/sailjaild/internal/keyfile"
	"github.com/sailfishos/sailjaild/internal/later"
	"github.com/sailfishos/sailjaild/internal/pathutil"
	"github.com/sailfishos/sailjaild/internal/settings"
	"github.com/sailfishos/sailjaild/internal/stringset"
)

const undefinedUID = -1

type state int

const (
	stateUninitialized state = iota
	stateInitializing
	stateMigrating
	stateMigrated
	stateFinal
)

func (s state) String() string {
	switch s {
	case stateInitializing:
		return "INITIALIZING"
	case stateMigrating:
		return "MIGRATING"
	case stateMigrated:
		return "MIGRATED"
	case stateFinal:
		return "FINAL"
	default:
		return "UNINITIALIZED"
	}
}

// AppInfoSource is the narrow view onto Applications Migrator needs.
type AppInfoSource interface {
	AppInfo(appid string) *appinfo.AppInfo
}

// UserRangeSource is the narrow view onto Users Migrator needs: the
// accepted uid range an approval path's embedded uid is validated against.
type UserRangeSource interface {
	FirstUser() int
	LastUser() int
}

// SettingsSource is the narrow view onto Settings Migrator needs.
type SettingsSource interface {
	AppSettings(uid int, appid string) *settings.AppSettings
}

// Migrator walks the legacy sailjail-homescreen approval tree once at
// startup, folds every approval it recognizes into Settings, and removes
// the legacy files behind it once Settings confirms they were saved.
type Migrator struct {
	settings SettingsSource
	apps     AppInfoSource
	users    UserRangeSource
	logger   hclog.Logger

	state state
	eval  *later.Deferred

	queue        []string
	removalQueue []string
}

// New creates the Migrator and immediately enters its Initializing state,
// which synchronously globs the legacy approval tree.
func New(settingsSrc SettingsSource, apps AppInfoSource, users UserRangeSource, loop *later.Loop, logger hclog.Logger) *Migrator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("migrator")
	logger.Info("create")

	m := &Migrator{
		settings: settingsSrc,
		apps:     apps,
		users:    users,
		logger:   logger,
	}
	m.eval = loop.New("migrator-eval", 0, 0, m.evalStateNow)
	m.setState(stateInitializing)
	return m
}

// Close drives the migrator straight to its Final state, discarding any
// queued work without processing it.
func (m *Migrator) Close() {
	m.logger.Info("delete")
	m.setState(stateFinal)
	m.eval.Cancel()
}

// OnSettingsSaved is Settings' SaveNotifier hook: once a save has actually
// reached disk, it is safe to delete the legacy approval files that were
// just folded into it.
func (m *Migrator) OnSettingsSaved() {
	m.logger.Info("settings saved notification")
	m.dequeueRemovals()
	m.evalStateLater()
}

func transitionAllowed(prev, next state) bool {
	if prev == stateFinal {
		return false
	}
	if next == stateUninitialized {
		return false
	}
	return true
}

func (m *Migrator) setState(next state) {
	if m.state == next {
		return
	}
	if !transitionAllowed(m.state, next) {
		m.logger.Error("rejected transition", "from", m.state, "to", next)
		return
	}
	m.logger.Info("state transition", "from", m.state, "to", next)
	m.state = next
	m.enterState()
	m.evalStateLater()
}

func (m *Migrator) enterState() {
	switch m.state {
	case stateInitializing:
		m.buildQueue()
	case stateFinal:
		// Dequeue without migrating or removing.
		m.queue = nil
		m.removalQueue = nil
	}
}

func (m *Migrator) evalStateLater() {
	m.eval.Schedule()
}

func (m *Migrator) evalStateNow() {
	switch m.state {
	case stateInitializing:
		if len(m.queue) > 0 {
			m.setState(stateMigrating)
		} else {
			// Nothing to migrate, go straight to the final state.
			m.setState(stateFinal)
		}
	case stateMigrating:
		if len(m.queue) > 0 {
			path := m.dequeue()
			m.processFile(path)
			m.evalStateLater()
		} else {
			m.setState(stateMigrated)
		}
	case stateMigrated:
		if len(m.removalQueue) == 0 {
			m.setState(stateFinal)
		}
	}
}

func (m *Migrator) dequeue() string {
	path := m.queue[0]
	m.queue = m.queue[1:]
	m.logger.Debug("dequeue", "path", path)
	return path
}

func (m *Migrator) buildQueue() {
	matches, _ := filepath.Glob(legacyApprovalPattern())
	for _, path := range matches {
		section := filepath.Base(path)
		if section == pathutil.SailjailSectionPrimary || section == pathutil.SailjailSectionSecondary {
			m.queue = append(m.queue, path)
		}
	}
}

func legacyApprovalPattern() string {
	return pathutil.LegacyApprovalRoot + "/*" + pathutil.ApplicationsDirectory + "/*" + pathutil.ApplicationsExtension + "/*"
}

// processFile attempts to migrate one approval file's permission grant into
// Settings. The legacy file is queued for removal whether or not the
// migration actually applied; unrecognized or stale approvals are cleaned
// up just the same.
func (m *Migrator) processFile(path string) {
	migrated := false
	appr := loadApproval(path, m.users)

	if appr.valid {
		appname := pathutil.ToDesktopName(appr.profile)
		if info := m.apps.AppInfo(appname); info != nil &&
			appr.organization == info.OrganizationName &&
			appr.application == info.ApplicationName {
			if as := m.settings.AppSettings(appr.uid, appname); as != nil {
				granted := as.Granted()
				granted.UnionInto(appr.permissions)
				as.SetGranted(granted)
				as.SetAllowed(settings.AllowedAlways)
				migrated = true
				m.logger.Info("migrated", "path", path)
			}
		}
	}

	if !migrated {
		m.logger.Warn("not migrated", "path", path)
	}

	m.removalQueue = append(m.removalQueue, path)
}

func (m *Migrator) dequeueRemovals() {
	pending := m.removalQueue
	m.removalQueue = nil
	for _, path := range pending {
		removeApprovalPath(path, m.logger)
	}
}

type approval struct {
	valid        bool
	profile      string
	uid          int
	permissions  *stringset.Set
	organization string
	application  string
}

func loadApproval(path string, users UserRangeSource) approval {
	profile := profileFromApprovalPath(path)
	uid := uidFromApprovalPath(path, users)
	if uid == undefinedUID {
		return approval{profile: profile, uid: undefinedUID}
	}

	file, err := keyfile.Load(path)
	if err != nil {
		return approval{profile: profile, uid: undefinedUID}
	}

	return approval{
		valid:        true,
		profile:      profile,
		uid:          uid,
		permissions:  file.GetStringSet(pathutil.LegacyApprovalSection, pathutil.SailjailPermissions),
		organization: file.GetString(pathutil.LegacyApprovalSection, pathutil.SailjailOrgName, ""),
		application:  file.GetString(pathutil.LegacyApprovalSection, pathutil.SailjailAppName, ""),
	}
}

// profileFromApprovalPath recovers the application's desktop-entry path from
// an approval file path, e.g.
// "/var/lib/sailjail-homescreen/100000/usr/share/applications/Y.desktop/X-Sailjail"
// becomes "/usr/share/applications/Y.desktop".
func profileFromApprovalPath(path string) string {
	rel, ok := withoutLeadingDataPath(path)
	if !ok {
		return ""
	}
	idx := strings.IndexByte(rel, '/')
	if idx < 0 {
		return ""
	}
	return filepath.Dir(rel[idx:])
}

// uidFromApprovalPath recovers the uid embedded as the first path component
// after the legacy data root, rejecting anything outside the accepted range.
func uidFromApprovalPath(path string, users UserRangeSource) int {
	rel, ok := withoutLeadingDataPath(path)
	if !ok {
		return undefinedUID
	}
	idx := strings.IndexByte(rel, '/')
	if idx < 0 {
		return undefinedUID
	}
	uid, err := strconv.Atoi(rel[:idx])
	if err != nil {
		return undefinedUID
	}
	if uid < users.FirstUser() || uid > users.LastUser() {
		return undefinedUID
	}
	return uid
}

func withoutLeadingDataPath(path string) (string, bool) {
	prefix := pathutil.LegacyApprovalRoot + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	return strings.TrimPrefix(path, prefix), true
}

// removeApprovalPath deletes path, then walks back up removing any now-empty
// parent directories, stopping at (and never touching) the legacy data root.
func removeApprovalPath(path string, logger hclog.Logger) {
	if err := os.Remove(path); err != nil {
		logger.Error("could not remove approval path", "path", path, "error", err)
		return
	}

	dir := filepath.Dir(path)
	for mayRemoveApprovalPath(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	logger.Debug("cleaned up", "path", path, "to", dir)
}

func mayRemoveApprovalPath(path string) bool {
	rel, ok := withoutLeadingDataPath(path)
	return ok && rel != ""
}
