// Package pathutil centralizes the directory layout and name<->path
// conversions sailjaild reads and writes. Constants are grounded on the
// original implementation's util.h; they are overridable at build time via
// the package-level vars below so packagers can still point SYSCONFDIR /
// SHAREDSTATEDIR / DATADIR elsewhere, the way the C build's -D flags did.
package pathutil

import (
	"path/filepath"
	"strconv"
	"strings"
)

// Root prefixes, overridable by packaging (mirrors SYSCONFDIR/SHAREDSTATEDIR/DATADIR).
var (
	BinDir          = "/usr/bin"
	SysConfDir      = "/etc"
	SharedStateDir  = "/var/lib"
	DataDir         = "/usr/share"
	RuntimeDataDir  = "/run/user"
	BoosterDir      = "/usr/libexec/mapplauncherd"
)

// Derived directories and filename conventions.
var (
	ConfigDirectory      = SysConfDir + "/sailjail/config"
	ConfigExtension      = ".conf"
	UsersDirectory       = SysConfDir
	UsersFile            = "passwd"
	PermissionsDirectory = SysConfDir + "/sailjail/permissions"
	PermissionsExtension = ".permission"
	ProfilesExtension    = ".profile"

	ApplicationsDirectory = DataDir + "/applications"
	ApplicationsExtension = ".desktop"
	SailjailAppDirectory  = SysConfDir + "/sailjail/applications"

	DBusDirectory         = "/dbus-1"
	DBusServicesDirectory = DBusDirectory + "/services"
	DBusServicesExtension = ".service"

	SettingsDirectory = SharedStateDir + "/sailjail/settings"
	SettingsExtension = ".settings"

	LegacyApprovalRoot = SharedStateDir + "/sailjail-homescreen"
)

// Desktop entry, maemo and sailjail key/section names (util.h).
const (
	DesktopSection = "Desktop Entry"
	DesktopName    = "Name"
	DesktopType    = "Type"
	DesktopIcon    = "Icon"
	DesktopExec    = "Exec"
	DesktopNoDisp  = "NoDisplay"

	MaemoSection = "Desktop Entry"
	MaemoService = "X-Maemo-Service"
	MaemoObject  = "X-Maemo-Object-Path"
	MaemoMethod  = "X-Maemo-Method"

	SailjailSectionPrimary   = "X-Sailjail"
	SailjailSectionSecondary = "Sailjail"
	SailjailOrgName          = "OrganizationName"
	SailjailAppName          = "ApplicationName"
	SailjailDataDirectory    = "DataDirectory"
	SailjailPermissions      = "Permissions"
	SailjailSandboxing       = "Sandboxing"
	SailjailExecDBus         = "ExecDBus"

	NemoApplicationType = "X-Nemo-Application-Type"
	NemoSingleInstance  = "X-Nemo-Single-Instance"

	DBusServiceSection = "D-BUS Service"
	DBusKeyName        = "Name"
	DBusKeyExec        = "Exec"
	DBusKeyApplication = "X-Sailjail-Application"

	DefaultProfileSection = "Default Profile"
	DefaultProfileEnabled = "Enabled"

	AllowlistSection = "Allowlist"

	// LegacyApprovalSection is the group name inside a legacy
	// sailjail-homescreen approval file; it happens to share its name with
	// the Permissions key it contains.
	LegacyApprovalSection = "Permissions"

	PermissionBase       = "Base"
	PermissionPrivileged = "Privileged"
)

// ToDesktopName strips the ".desktop" suffix from a path, returning the
// appid. It is the inverse of FromDesktopName.
func ToDesktopName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ApplicationsExtension)
}

// FromDesktopName builds the primary-directory path for an appid.
func FromDesktopName(appid string) string {
	return filepath.Join(ApplicationsDirectory, appid+ApplicationsExtension)
}

// AltFromDesktopName builds the override-directory path for an appid.
func AltFromDesktopName(appid string) string {
	return filepath.Join(SailjailAppDirectory, appid+ApplicationsExtension)
}

// ToPermissionName strips the ".permission" suffix from a path.
func ToPermissionName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), PermissionsExtension)
}

// FromPermissionName builds the path for a permission name.
func FromPermissionName(name string) string {
	return filepath.Join(PermissionsDirectory, name+PermissionsExtension)
}

// FromProfileName builds the path for a profile file.
func FromProfileName(name string) string {
	return filepath.Join(PermissionsDirectory, name+ProfilesExtension)
}

// SettingsPath builds the settings file path for a uid.
func SettingsPath(uid int) string {
	return filepath.Join(SettingsDirectory, "user-"+strconv.Itoa(uid)+SettingsExtension)
}

// RuntimeServicesDir builds the writable D-Bus services dir for a uid.
func RuntimeServicesDir(uid int) string {
	return filepath.Join(RuntimeDataDir, strconv.Itoa(uid)) + DBusServicesDirectory
}
