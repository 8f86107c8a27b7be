// Package appinfo parses and merges one application's two-directory desktop
// entry into an AppInfo record, grounded on the original's daemon/appinfo.c.
package appinfo

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/sailfishos/sailjaild/internal/config"
	"github.com/sailfishos/sailjaild/internal/keyfile"
	"github.com/sailfishos/sailjaild/internal/pathutil"
	"github.com/sailfishos/sailjaild/internal/stringset"
)

// State is the application's parse state.
type State int

const (
	Unset State = iota
	Valid
	Invalid
	Deleted
)

func (s State) String() string {
	switch s {
	case Valid:
		return "Valid"
	case Invalid:
		return "Invalid"
	case Deleted:
		return "Deleted"
	default:
		return "Unset"
	}
}

// Mode is the sandboxing mode selected for the application.
type Mode int

const (
	ModeNormal Mode = iota
	ModeCompatibility
	ModeNone
)

func (m Mode) String() string {
	switch m {
	case ModeCompatibility:
		return "Compatibility"
	case ModeNone:
		return "None"
	default:
		return "Normal"
	}
}

// fileState is the per-candidate-file classification used by the parse
// combine table. Order matters: it is used numerically by combine.
type fileState int

const (
	fsUnchanged fileState = iota
	fsChanged
	fsInvalid
	fsDeleted
	fsMissing
)

// combineTable decides the combined state from a primary/override pair;
// rows are the primary file's state, columns the override file's state.
var combineTable = [5][5]fileState{
	fsUnchanged: {fsUnchanged, fsChanged, fsInvalid, fsChanged, fsUnchanged},
	fsChanged:   {fsChanged, fsChanged, fsInvalid, fsChanged, fsChanged},
	fsInvalid:   {fsInvalid, fsInvalid, fsInvalid, fsInvalid, fsInvalid},
	fsDeleted:   {fsChanged, fsChanged, fsInvalid, fsDeleted, fsDeleted},
	fsMissing:   {fsUnchanged, fsChanged, fsInvalid, fsDeleted, fsMissing},
}

// AppInfo is the parsed, merged desktop entry for one application.
type AppInfo struct {
	ID    string
	State State
	Dirty bool

	primaryCtime  int64
	overrideCtime int64
	primarySeen   bool
	overrideSeen  bool

	Mode Mode

	Name      string
	Type      string
	Icon      string
	Exec      string
	NoDisplay bool

	Service    string
	ObjectPath string
	Method     string

	OrganizationName string
	ApplicationName  string
	ExecDBus         string
	DataDirectory    string

	Declared  *stringset.Set
	Effective *stringset.Set
}

// New creates an unparsed AppInfo for id.
func New(id string) *AppInfo {
	return &AppInfo{
		ID:        id,
		State:     Unset,
		Declared:  stringset.New(),
		Effective: stringset.New(),
	}
}

// classify stats path and returns its fileState plus the ctime to remember
// for next time. seen reports whether the file was present last time we
// looked (used to tell Deleted from Missing).
func classify(path string, lastCtime int64, seen bool) (fileState, int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if seen {
				return fsDeleted, 0, false
			}
			return fsMissing, 0, false
		}
		return fsInvalid, lastCtime, seen
	}
	// A file we cannot read is a content problem, not a presence problem.
	f, ferr := os.Open(path)
	if ferr != nil {
		return fsInvalid, lastCtime, seen
	}
	f.Close()
	ctime := ctimeOf(info)
	if seen && ctime == lastCtime {
		return fsUnchanged, ctime, true
	}
	return fsChanged, ctime, true
}

func ctimeOf(info os.FileInfo) int64 {
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		return int64(sys.Ctim.Sec)*1000000000 + int64(sys.Ctim.Nsec)
	}
	return info.ModTime().UnixNano()
}

// Parse re-reads the primary and override desktop files for a.ID, merges
// them, and updates a in place. It returns true when the observable content
// changed (requiring a broadcast), false when the re-parse was a no-op.
func (a *AppInfo) Parse(cfg *config.Config) bool {
	primaryPath := pathutil.FromDesktopName(a.ID)
	overridePath := pathutil.AltFromDesktopName(a.ID)

	primaryState, primaryCtime, primarySeen := classify(primaryPath, a.primaryCtime, a.primarySeen)
	overrideState, overrideCtime, overrideSeen := classify(overridePath, a.overrideCtime, a.overrideSeen)

	combined := combineTable[primaryState][overrideState]

	a.primaryCtime, a.primarySeen = primaryCtime, primarySeen
	a.overrideCtime, a.overrideSeen = overrideCtime, overrideSeen

	switch {
	case combined == fsInvalid:
		changed := a.State != Invalid
		a.State = Invalid
		return changed
	case combined == fsDeleted || combined == fsMissing:
		changed := a.State != Deleted
		a.State = Deleted
		return changed
	case combined == fsUnchanged:
		return false
	}

	return a.mergeAndParse(cfg, primaryPath, overridePath)
}

func (a *AppInfo) mergeAndParse(cfg *config.Config, primaryPath, overridePath string) bool {
	before := *a // shallow snapshot; string/bool/Mode/State fields are enough to detect change
	beforeDeclared := a.Declared.ToJoinedString()

	ini := keyfile.New()
	if _, err := os.Stat(primaryPath); err == nil {
		if loaded, lerr := keyfile.Load(primaryPath); lerr == nil {
			ini = loaded
		}
	}
	if _, err := os.Stat(overridePath); err == nil {
		_ = ini.Merge(overridePath)
	}

	a.Name = ini.GetString(pathutil.DesktopSection, pathutil.DesktopName, "")
	a.Type = ini.GetString(pathutil.DesktopSection, pathutil.DesktopType, "")
	a.Icon = ini.GetString(pathutil.DesktopSection, pathutil.DesktopIcon, "")
	a.Exec = ini.GetString(pathutil.DesktopSection, pathutil.DesktopExec, "")
	a.NoDisplay = ini.GetBool(pathutil.DesktopSection, pathutil.DesktopNoDisp, false)

	a.Service = ini.GetString(pathutil.MaemoSection, pathutil.MaemoService, "")
	a.ObjectPath = ini.GetString(pathutil.MaemoSection, pathutil.MaemoObject, "")
	a.Method = ini.GetString(pathutil.MaemoSection, pathutil.MaemoMethod, "")

	var group string
	switch {
	case ini.HasSection(pathutil.SailjailSectionPrimary):
		group = pathutil.SailjailSectionPrimary
	case ini.HasSection(pathutil.SailjailSectionSecondary):
		group = pathutil.SailjailSectionSecondary
	}

	var sandboxing string
	if group != "" {
		sandboxing = ini.GetString(group, pathutil.SailjailSandboxing, "")
	}

	var declared *stringset.Set
	if group != "" && sandboxing != "Disabled" {
		a.OrganizationName = ini.GetString(group, pathutil.SailjailOrgName, "")
		a.ApplicationName = ini.GetString(group, pathutil.SailjailAppName, "")
		a.ExecDBus = readExecDBus(ini, group, a.ID)
		a.DataDirectory = ini.GetString(group, pathutil.SailjailDataDirectory, "")
		declared = ini.GetStringSet(group, pathutil.SailjailPermissions)
		a.Mode = ModeNormal
	} else {
		declared = cfg.DefaultProfilePermissions()
		if sandboxing == "Disabled" || !cfg.DefaultProfileEnabled() {
			a.Mode = ModeNone
		} else {
			a.Mode = ModeCompatibility
		}
		a.OrganizationName = ""
		a.ApplicationName = ""
		a.ExecDBus = ""
		a.DataDirectory = ""
	}
	a.Declared = declared

	if a.Name != "" && a.Type != "" && a.Exec != "" {
		a.State = Valid
	} else {
		a.State = Invalid
	}

	changed := a.State != before.State ||
		a.Mode != before.Mode ||
		a.Name != before.Name ||
		a.Type != before.Type ||
		a.Icon != before.Icon ||
		a.Exec != before.Exec ||
		a.NoDisplay != before.NoDisplay ||
		a.Service != before.Service ||
		a.ObjectPath != before.ObjectPath ||
		a.Method != before.Method ||
		a.OrganizationName != before.OrganizationName ||
		a.ApplicationName != before.ApplicationName ||
		a.ExecDBus != before.ExecDBus ||
		a.DataDirectory != before.DataDirectory ||
		a.Declared.ToJoinedString() != beforeDeclared

	return changed
}

// readExecDBus applies the invoker-prefixing transformation to ExecDBus.
func readExecDBus(ini *keyfile.File, group, appid string) string {
	exec, ok := ini.GetStringPresent(group, pathutil.SailjailExecDBus)
	if !ok || exec == "" {
		return exec
	}
	if strings.HasPrefix(exec, "invoker") || strings.HasPrefix(exec, "/usr/bin/invoker") {
		return exec
	}
	booster := ini.GetString(pathutil.DesktopSection, pathutil.NemoApplicationType, "")
	if booster == "" || booster == "no-invoker" {
		booster = "generic"
	}
	singleInstance := ini.GetString(pathutil.DesktopSection, pathutil.NemoSingleInstance, "")
	flag := ""
	if singleInstance != "no" {
		flag = "--single-instance "
	}
	return fmt.Sprintf("/usr/bin/invoker --type=%s --id=%s %s%s", booster, appid, flag, exec)
}

// RecomputeEffective intersects Declared with the currently available
// permission set. Returns true if Effective changed.
func (a *AppInfo) RecomputeEffective(available *stringset.Set) bool {
	next := a.Declared.FilterIn(available)
	if a.Effective.Equal(next) {
		return false
	}
	a.Effective = next
	return true
}

// AutoStart reports whether this application should get a D-Bus service
// activation file: valid, and carrying all three of the fields a service
// file needs.
func (a *AppInfo) AutoStart() bool {
	return a.State == Valid && a.OrganizationName != "" && a.ApplicationName != "" && a.ExecDBus != ""
}
