// Package appservices maintains per-active-user D-Bus service activation
// files (<run-dir>/dbus-1/services/*.service) for applications that declare
// an ExecDBus launch, grounded on the original's daemon/appservices.c.
package appservices

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/sailfishos/sailjaild/internal/appinfo"
	"github.com/sailfishos/sailjaild/internal/keyfile"
	"github.com/sailfishos/sailjaild/internal/pathutil"
	"github.com/sailfishos/sailjaild/internal/stringset"
)

// UndefinedUID mirrors session.UndefinedUID without importing session,
// keeping this package's dependency on "who is the current user" narrow.
const UndefinedUID = -1

const undefinedGID = -1

// AppInfoSource is the narrow view of Applications this package needs:
// the currently available appids and their parsed records.
type AppInfoSource interface {
	Available() *stringset.Set
	AppInfo(appid string) *appinfo.AppInfo
}

// CurrentUserSource is the narrow view of Session this package needs.
type CurrentUserSource interface {
	CurrentUser() int
}

// ChangeNotifier is the non-owning back-reference to Control used to route
// appservices-changed notifications upward.
type ChangeNotifier interface {
	OnAppServicesChanged()
}

type serviceInfo struct {
	name string
	exec string
}

// AppServices tracks the D-Bus service activation files for the currently
// active user's run directory.
type AppServices struct {
	notifier ChangeNotifier
	apps     AppInfoSource
	userSrc  CurrentUserSource
	logger   hclog.Logger

	uid    int
	gid    int
	runDir string

	serviceLUT map[string]serviceInfo
}

// New creates the AppServices component and performs an initial synchronous
// rethink against whichever user is currently active.
func New(notifier ChangeNotifier, apps AppInfoSource, userSrc CurrentUserSource, logger hclog.Logger) *AppServices {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("appservices")
	logger.Info("create")

	a := &AppServices{
		notifier:   notifier,
		apps:       apps,
		userSrc:    userSrc,
		logger:     logger,
		uid:        UndefinedUID,
		gid:        undefinedGID,
		serviceLUT: make(map[string]serviceInfo),
	}
	a.Rethink()
	return a
}

// Close releases resources held by the component. There is nothing to tear
// down beyond process exit; service files belong to the run directory, not
// to this process.
func (a *AppServices) Close() {
	a.logger.Info("delete")
}

// Rethink re-derives the active user's run directory, repopulates the
// service lookup table from whatever files already exist on disk, then
// writes or removes service files to match the currently available,
// auto-starting applications.
func (a *AppServices) Rethink() {
	a.updateUser()

	if a.runDir == "" {
		return
	}

	a.serviceLUT = make(map[string]serviceInfo)
	toRemove := stringset.New()

	pattern := filepath.Join(a.runDir, pathutil.DBusServicesDirectory, "*"+pathutil.DBusServicesExtension)
	matches, _ := filepath.Glob(pattern)
	for _, path := range matches {
		file, err := keyfile.Load(path)
		if err != nil {
			continue
		}
		name, nameOK := file.GetStringPresent(pathutil.DBusServiceSection, pathutil.DBusKeyName)
		exec, execOK := file.GetStringPresent(pathutil.DBusServiceSection, pathutil.DBusKeyExec)
		appname, appOK := file.GetStringPresent(pathutil.DBusServiceSection, pathutil.DBusKeyApplication)
		if nameOK && execOK && appOK {
			toRemove.Add(appname)
			a.serviceLUT[appname] = serviceInfo{name: name, exec: exec}
		}
	}

	for _, appname := range a.apps.Available().ToSlice() {
		info := a.apps.AppInfo(appname)
		if info == nil || !info.AutoStart() {
			continue
		}
		toRemove.Remove(appname)
		a.writeServiceFile(appname, info)
	}

	for _, appname := range toRemove.ToSlice() {
		a.removeServiceFile(appname)
	}
}

// ApplicationChanged reconciles a single appid whose AppInfo was updated in
// place: writes or refreshes its service file if it still auto-starts,
// removes its service file otherwise.
func (a *AppServices) ApplicationChanged(appname string, info *appinfo.AppInfo) {
	if info != nil && info.AutoStart() {
		a.writeServiceFile(appname, info)
	} else {
		a.removeServiceFile(appname)
	}
}

// ApplicationAdded writes a service file for a newly seen appid if it
// auto-starts.
func (a *AppServices) ApplicationAdded(appname string, info *appinfo.AppInfo) {
	if info != nil && info.AutoStart() {
		a.writeServiceFile(appname, info)
	}
}

// ApplicationRemoved removes appname's service file, if any.
func (a *AppServices) ApplicationRemoved(appname string) {
	a.removeServiceFile(appname)
}

func (a *AppServices) updateUser() {
	uid := a.userSrc.CurrentUser()
	if uid == a.uid {
		return
	}

	a.uid = uid
	a.gid = undefinedGID
	a.runDir = ""

	if uid == UndefinedUID {
		return
	}

	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		a.logger.Warn("lookup user failed", "uid", uid, "error", err)
		return
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		a.logger.Warn("parse gid failed", "uid", uid, "gid", u.Gid, "error", err)
		return
	}
	a.gid = gid
	runDir := filepath.Join(pathutil.RuntimeDataDir, strconv.Itoa(uid))

	if !a.ensureRunDirectory(runDir, pathutil.DBusDirectory) || !a.ensureRunDirectory(runDir, pathutil.DBusServicesDirectory) {
		a.gid = undefinedGID
		return
	}
	a.runDir = runDir
}

// ensureRunDirectory makes sure runDir+sub exists, owned by the active
// user's uid/gid. The run directory itself is created by systemd-logind
// with the wrong ownership for our purposes, so each subdirectory we add
// under it is chowned explicitly; a failed chown rolls the mkdir back.
func (a *AppServices) ensureRunDirectory(runDir, sub string) bool {
	path := runDir + sub

	if _, err := os.Stat(path); err == nil {
		return true
	}

	if err := os.Mkdir(path, 0700); err != nil {
		a.logger.Warn("could not create directory", "path", path, "error", err)
		return false
	}
	if err := os.Chown(path, a.uid, a.gid); err != nil {
		a.logger.Warn("could not change ownership of directory", "path", path, "error", err)
		os.Remove(path)
		return false
	}
	return true
}

func (a *AppServices) serviceFilename(service string) string {
	return filepath.Join(a.runDir, pathutil.DBusServicesDirectory, service+pathutil.DBusServicesExtension)
}

func (a *AppServices) writeServiceFile(appname string, info *appinfo.AppInfo) {
	if a.runDir == "" {
		return
	}

	changed := false
	serviceName := fmt.Sprintf("%s.%s", info.OrganizationName, info.ApplicationName)
	exec := info.ExecDBus

	if current, ok := a.serviceLUT[appname]; ok {
		if current.name != serviceName {
			filename := a.serviceFilename(current.name)
			a.logger.Info("remove service file", "app", appname, "path", filename)
			os.Remove(filename)
			changed = true
		} else if current.exec == exec {
			return
		}
	}

	file := keyfile.New()
	file.SetString(pathutil.DBusServiceSection, pathutil.DBusKeyName, serviceName)
	file.SetString(pathutil.DBusServiceSection, pathutil.DBusKeyExec, exec)
	file.SetString(pathutil.DBusServiceSection, pathutil.DBusKeyApplication, appname)

	filename := a.serviceFilename(serviceName)
	tmp := filename + ".tmp"

	a.logger.Info("write service file", "app", appname, "path", filename)

	if err := file.Save(tmp); err != nil {
		a.logger.Warn("could not write service file", "path", tmp, "error", err)
	} else if err := os.Chown(tmp, a.uid, a.gid); err != nil {
		a.logger.Warn("could not change ownership of file", "path", tmp, "error", err)
		os.Remove(tmp)
	} else if err := os.Chmod(tmp, 0644); err != nil {
		a.logger.Warn("could not change permissions of file", "path", tmp, "error", err)
		os.Remove(tmp)
	} else if err := os.Rename(tmp, filename); err != nil {
		a.logger.Warn("could not rename service file into place", "path", filename, "error", err)
	} else {
		changed = true
	}

	a.serviceLUT[appname] = serviceInfo{name: serviceName, exec: exec}

	if changed {
		a.notifyChanged()
	}
}

func (a *AppServices) removeServiceFile(appname string) {
	if a.runDir == "" {
		return
	}

	info, ok := a.serviceLUT[appname]
	if !ok {
		return
	}

	filename := a.serviceFilename(info.name)
	a.logger.Info("remove service file", "app", appname, "path", filename)
	os.Remove(filename)
	delete(a.serviceLUT, appname)

	a.notifyChanged()
}

func (a *AppServices) notifyChanged() {
	if a.notifier != nil {
		a.notifier.OnAppServicesChanged()
	}
}
