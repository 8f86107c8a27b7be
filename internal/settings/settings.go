// Package settings holds the per-user, per-application permission grant
// state: whether an app is allowed to run sandboxed at all, what it has
// been granted, and the [Allowlist] autogrant policy that drives both.
// Grounded on the original's daemon/settings.c.
package settings

import (
	"os"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/sailfishos/sailjaild/internal/appinfo"
	"github.com/sailfishos/sailjaild/internal/config"
	"github.com/sailfishos/sailjaild/internal/keyfile"
	"github.com/sailfishos/sailjaild/internal/later"
	"github.com/sailfishos/sailjaild/internal/pathutil"
	"github.com/sailfishos/sailjaild/internal/stringset"
)

const saveDelay = 1000 * time.Millisecond

// Allowed is whether an application may be granted any permission at all.
type Allowed int

const (
	AllowedUnset Allowed = iota
	AllowedAlways
	AllowedNever
)

func (a Allowed) String() string {
	switch a {
	case AllowedAlways:
		return "ALWAYS"
	case AllowedNever:
		return "NEVER"
	default:
		return "UNSET"
	}
}

// Agreed is whether the user has accepted an application's license, the
// value behind Get/SetLicenseAgreed.
type Agreed int

const (
	AgreedUnset Agreed = iota
	AgreedYes
	AgreedNo
)

func (a Agreed) String() string {
	switch a {
	case AgreedYes:
		return "YES"
	case AgreedNo:
		return "NO"
	default:
		return "UNSET"
	}
}

// Autogrant is the [Allowlist] policy configured for an appid.
type Autogrant int

const (
	AutograntDefault Autogrant = iota
	AutograntAlways
	AutograntLaunch
)

func (g Autogrant) String() string {
	switch g {
	case AutograntAlways:
		return "always"
	case AutograntLaunch:
		return "launch"
	default:
		return "default"
	}
}

func parseAutogrant(s string) Autogrant {
	switch s {
	case "always":
		return AutograntAlways
	case "launch":
		return AutograntLaunch
	default:
		return AutograntDefault
	}
}

// AppInfoSource is the non-owning view onto Applications that Settings
// needs: permission lookups and appid validity.
type AppInfoSource interface {
	AppInfo(appid string) *appinfo.AppInfo
}

// UserSource is the non-owning view onto Users that Settings needs: uid
// validity, guest detection, and the accepted uid range.
type UserSource interface {
	Exists(uid int) bool
	IsGuest(uid int) bool
	FirstUser() int
	LastUser() int
}

// ChangeNotifier is the non-owning back-reference to Control, fired once per
// user-visible (allowed/agreed/granted) change to one appid.
type ChangeNotifier interface {
	OnSettingsChanged(appid string)
}

// SaveNotifier is fired once a coalesced save has actually been written to
// disk. Migrator uses this to know it is safe to delete the legacy approval
// files it has just folded into the freshly-saved settings.
type SaveNotifier interface {
	OnSettingsSaved()
}

// Settings owns the per-uid UserSettings table, the coalesced save timer,
// and the config/application/user lookups reconciliation depends on.
type Settings struct {
	notifier     ChangeNotifier
	saveNotifier SaveNotifier
	cfg          *config.Config
	apps         AppInfoSource
	userSrc      UserSource
	logger       hclog.Logger

	initialized bool

	users map[int]*UserSettings

	dirty map[int]bool
	save  *later.Deferred
}

// New creates Settings and loads every currently-valid uid's settings file.
func New(notifier ChangeNotifier, cfg *config.Config, apps AppInfoSource, userSrc UserSource, loop *later.Loop, logger hclog.Logger) *Settings {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("settings")
	logger.Info("create")

	s := &Settings{
		notifier: notifier,
		cfg:      cfg,
		apps:     apps,
		userSrc:  userSrc,
		logger:   logger,
		users:    make(map[int]*UserSettings),
		dirty:    make(map[int]bool),
	}
	s.save = loop.New("settings-save", 0, saveDelay, s.saveNow)

	s.LoadAll()
	s.initialized = true
	return s
}

// SetSaveNotifier registers the component to notify once a coalesced save
// completes. Set after construction since Migrator needs a live Settings to
// build itself, while Settings needs nothing from Migrator in return.
func (s *Settings) SetSaveNotifier(n SaveNotifier) {
	s.saveNotifier = n
}

// Close saves any pending changes synchronously.
func (s *Settings) Close() {
	s.logger.Info("delete")
	if s.save.Pending() {
		s.save.Execute()
	}
}

// AppSettings looks up (creating if necessary) the settings for uid/appid,
// or nil if uid is not a valid user or appid is not a valid application.
func (s *Settings) AppSettings(uid int, appid string) *AppSettings {
	if !s.validUser(uid) || s.apps.AppInfo(appid) == nil {
		return nil
	}
	return s.addUserSettings(uid).addAppSettings(appid)
}

// GetAppSettings looks up existing settings for uid/appid without creating
// them, or nil if none exist yet.
func (s *Settings) GetAppSettings(uid int, appid string) *AppSettings {
	us, ok := s.users[uid]
	if !ok {
		return nil
	}
	return us.apps[appid]
}

// LoadAll loads (or clears stale data for) every uid in the configured
// range.
func (s *Settings) LoadAll() {
	for uid := s.userSrc.FirstUser(); uid <= s.userSrc.LastUser(); uid++ {
		s.LoadUser(uid)
	}
}

// SaveAll saves every currently valid uid's settings.
func (s *Settings) SaveAll() {
	for uid := s.userSrc.FirstUser(); uid <= s.userSrc.LastUser(); uid++ {
		s.SaveUser(uid)
	}
}

// LoadUser loads uid's settings file if uid is valid, or drops any cached
// state and removes stale on-disk data if not.
func (s *Settings) LoadUser(uid int) {
	if s.validUser(uid) {
		us := s.addUserSettings(uid)
		us.load(pathutil.SettingsPath(uid))
		return
	}
	delete(s.users, uid)
	s.removeStaleUserData(uid)
}

// SaveUser saves uid's cached settings to disk, if any exist and uid is
// still valid.
func (s *Settings) SaveUser(uid int) {
	if !s.validUser(uid) {
		return
	}
	if us, ok := s.users[uid]; ok {
		us.save(pathutil.SettingsPath(uid))
	}
}

// Rethink re-evaluates every cached user's application settings, dropping
// users that have become invalid.
func (s *Settings) Rethink() {
	for uid, us := range s.users {
		if s.validUser(uid) {
			us.rethink()
		} else {
			delete(s.users, uid)
			s.removeStaleUserData(uid)
		}
	}
}

func (s *Settings) validUser(uid int) bool {
	return s.userSrc.Exists(uid)
}

func (s *Settings) addUserSettings(uid int) *UserSettings {
	us, ok := s.users[uid]
	if !ok {
		us = newUserSettings(s, uid)
		s.users[uid] = us
	}
	return us
}

func (s *Settings) removeStaleUserData(uid int) {
	path := pathutil.SettingsPath(uid)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove stale settings", "path", path, "error", err)
	}
}

// saveLater schedules uid's settings to be written within saveDelay, unless
// uid is the guest account, whose settings are in-memory only. Repeated
// calls while a save is already pending are idempotent: this is a shared
// coalescing timer, not a per-call reset.
func (s *Settings) saveLater(uid int) {
	if s.userSrc.IsGuest(uid) {
		return
	}
	s.dirty[uid] = true
	s.save.Schedule()
}

func (s *Settings) saveNow() {
	for uid := range s.dirty {
		s.SaveUser(uid)
	}
	s.dirty = make(map[int]bool)
	if s.saveNotifier != nil {
		s.saveNotifier.OnSettingsSaved()
	}
}

func (s *Settings) notifyAppChanged(appid string) {
	if s.initialized && s.notifier != nil {
		s.logger.Info("notify", "appid", appid)
		s.notifier.OnSettingsChanged(appid)
	}
}

// UserSettings holds one uid's per-appid settings.
type UserSettings struct {
	settings *Settings
	uid      int
	apps     map[string]*AppSettings
}

func newUserSettings(settings *Settings, uid int) *UserSettings {
	settings.logger.Info("usersettings created", "uid", uid)
	return &UserSettings{settings: settings, uid: uid, apps: make(map[string]*AppSettings)}
}

// AppSettings looks up existing settings for appid, or nil.
func (u *UserSettings) AppSettings(appid string) *AppSettings {
	return u.apps[appid]
}

func (u *UserSettings) addAppSettingsEx(appid string, rethink bool) *AppSettings {
	as, ok := u.apps[appid]
	if !ok {
		as = newAppSettings(u, appid)
		u.apps[appid] = as
		if rethink {
			as.rethink()
		}
	}
	return as
}

func (u *UserSettings) addAppSettings(appid string) *AppSettings {
	return u.addAppSettingsEx(appid, true)
}

func (u *UserSettings) load(path string) {
	file, err := keyfile.Load(path)
	if err != nil {
		u.settings.logger.Warn("failed to load settings", "uid", u.uid, "error", err)
		return
	}
	appsChanged := false
	for _, appid := range file.Sections() {
		if u.settings.apps.AppInfo(appid) != nil {
			as := u.addAppSettingsEx(appid, false)
			as.decode(file)
		} else {
			appsChanged = true
		}
	}
	if appsChanged {
		u.settings.saveLater(u.uid)
	}
}

func (u *UserSettings) save(path string) {
	file := keyfile.New()
	for appid, as := range u.apps {
		if u.settings.apps.AppInfo(appid) != nil {
			as.encode(file)
		} else {
			delete(u.apps, appid)
		}
	}
	if err := file.Save(path); err != nil {
		u.settings.logger.Warn("failed to save settings", "uid", u.uid, "error", err)
	}
}

func (u *UserSettings) rethink() {
	for appid, as := range u.apps {
		if u.settings.apps.AppInfo(appid) != nil {
			as.rethink()
		} else {
			delete(u.apps, appid)
			u.settings.saveLater(u.uid)
		}
	}
}

// AppSettings holds one application's permission-grant state for one uid.
type AppSettings struct {
	user  *UserSettings
	appid string

	allowed   Allowed
	agreed    Agreed
	autogrant Autogrant

	granted     *stringset.Set
	permissions *stringset.Set
}

func newAppSettings(user *UserSettings, appid string) *AppSettings {
	user.settings.logger.Info("appsettings created", "uid", user.uid, "appid", appid)
	as := &AppSettings{
		user:        user,
		appid:       appid,
		allowed:     AllowedUnset,
		agreed:      AgreedUnset,
		autogrant:   AutograntDefault,
		granted:     stringset.New(),
		permissions: stringset.New(),
	}
	as.rethink()
	return as
}

// Appid returns the application id these settings apply to.
func (as *AppSettings) Appid() string { return as.appid }

// Allowed returns whether the application may be granted any permission.
func (as *AppSettings) Allowed() Allowed { return as.allowed }

// Agreed returns whether the user has accepted this application's
// license.
func (as *AppSettings) Agreed() Agreed { return as.agreed }

// Granted returns the currently granted, declared-and-available permission
// set.
func (as *AppSettings) Granted() *stringset.Set { return as.granted.Copy() }

// SetAllowed updates the allowed state and, if it changed, re-derives the
// granted set from the (possibly now-relevant) permission set.
func (as *AppSettings) SetAllowed(allowed Allowed) {
	if as.updateAllowed(allowed) {
		as.updateGranted(as.permissions)
	}
}

// SetAgreed records whether the user has accepted this application's
// license.
func (as *AppSettings) SetAgreed(agreed Agreed) {
	as.updateAgreed(agreed)
}

// SetGranted explicitly sets the granted permission set (subject to the
// allowed-gate and the declared/available intersection in updateGranted).
func (as *AppSettings) SetGranted(granted *stringset.Set) {
	as.updateGranted(granted)
}

func (as *AppSettings) updateAgreed(agreed Agreed) bool {
	if agreed < AgreedUnset || agreed > AgreedNo {
		agreed = AgreedUnset
	}
	if as.agreed == agreed {
		return false
	}
	as.user.settings.logger.Info("agreed change", "uid", as.user.uid, "appid", as.appid, "from", as.agreed, "to", agreed)
	as.agreed = agreed
	as.notifyVisible()
	return true
}

func (as *AppSettings) updatePermissions(added *stringset.Set) int {
	var permissions *stringset.Set
	if info := as.user.settings.apps.AppInfo(as.appid); info != nil {
		permissions = info.Effective
	}
	if permissions == nil {
		permissions = stringset.New()
	}

	change := 0
	if !as.permissions.Equal(permissions) {
		added.Assign(permissions.FilterOut(as.permissions))
		if added.Empty() {
			change = -1
		} else {
			change = 1
		}
		as.permissions.Assign(permissions)
		as.notifyInternal()
	}
	return change
}

func (as *AppSettings) getAutogrant() Autogrant { return as.autogrant }

func (as *AppSettings) updateAutogrant(autogrant Autogrant) bool {
	if as.autogrant == autogrant {
		return false
	}
	as.user.settings.logger.Info("autogrant change", "uid", as.user.uid, "appid", as.appid, "from", as.autogrant, "to", autogrant)
	as.autogrant = autogrant
	as.notifyInternal()
	return true
}

func (as *AppSettings) updateAllowed(allowed Allowed) bool {
	if allowed < AllowedUnset || allowed > AllowedNever {
		allowed = AllowedUnset
	}

	// Autogrant configuration takes precedence over everything but an
	// explicit NEVER.
	switch as.getAutogrant() {
	case AutograntAlways, AutograntLaunch:
		if allowed != AllowedNever {
			allowed = AllowedAlways
		}
	}

	if as.allowed == allowed {
		return false
	}
	as.user.settings.logger.Info("allowed change", "uid", as.user.uid, "appid", as.appid, "from", as.allowed, "to", allowed)
	as.allowed = allowed
	as.notifyVisible()
	return true
}

func (as *AppSettings) updateGranted(granted *stringset.Set) bool {
	if as.allowed != AllowedAlways {
		granted = nil
	}
	if granted == nil {
		granted = stringset.New()
	}

	effective := granted.FilterIn(as.permissions)
	if as.granted.Equal(effective) {
		return false
	}
	as.granted.Assign(effective)
	as.notifyVisible()
	return true
}

// allowlisted reads this appid's configured [Allowlist] policy.
func (as *AppSettings) allowlisted() Autogrant {
	return parseAutogrant(as.user.settings.cfg.Allowlisted(as.appid))
}

// rethink re-derives autogrant, allowed and granted from the application's
// currently declared-and-available permissions and the configured allowlist
// policy. Grounded step by step on appsettings_rethink.
func (as *AppSettings) rethink() {
	added := stringset.New()
	permissionChange := as.updatePermissions(added)

	permissions := as.permissions
	granted := as.granted

	if as.updateAutogrant(as.allowlisted()) {
		// Autogrant configuration changed: choose all or nothing.
		if as.allowed != AllowedNever {
			as.updateAllowed(AllowedUnset)
			granted = permissions
		}
	} else {
		switch as.getAutogrant() {
		case AutograntAlways:
			// Keep in sync with application requirements.
			granted = permissions
		case AutograntLaunch:
			// Automatically grant just-added permissions.
			if permissionChange > 0 {
				added.UnionInto(granted)
				granted = added
			}
		default:
			// Prompt the user if new permissions are required.
			if permissionChange > 0 && as.allowed != AllowedNever {
				as.updateAllowed(AllowedUnset)
			}
		}
	}

	as.updateGranted(granted)
}

func (as *AppSettings) notifyInternal() {
	as.user.settings.saveLater(as.user.uid)
}

func (as *AppSettings) notifyVisible() {
	as.user.settings.notifyAppChanged(as.appid)
	as.user.settings.saveLater(as.user.uid)
}

func (as *AppSettings) decode(file *keyfile.File) {
	as.allowed = Allowed(file.GetInt(as.appid, "Allowed", int(AllowedUnset)))
	as.agreed = Agreed(file.GetInt(as.appid, "Agreed", int(AgreedUnset)))
	as.autogrant = Autogrant(file.GetInt(as.appid, "Autogrant", int(AutograntDefault)))
	if as.allowed < AllowedUnset || as.allowed > AllowedNever {
		as.allowed = AllowedUnset
	}
	if as.agreed < AgreedUnset || as.agreed > AgreedNo {
		as.agreed = AgreedUnset
	}
	if as.autogrant < AutograntDefault || as.autogrant > AutograntLaunch {
		as.autogrant = AutograntDefault
	}
	as.permissions = file.GetStringSet(as.appid, "Permissions")
	as.granted = file.GetStringSet(as.appid, "Granted")
	as.rethink()
}

func (as *AppSettings) encode(file *keyfile.File) {
	file.SetInt(as.appid, "Allowed", int(as.allowed))
	file.SetInt(as.appid, "Agreed", int(as.agreed))
	file.SetInt(as.appid, "Autogrant", int(as.autogrant))
	file.SetStringSet(as.appid, "Granted", as.granted)
	file.SetStringSet(as.appid, "Permissions", as.permissions)
}
