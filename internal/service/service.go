// Package service implements sailjaild's own system-bus surface: the
// org.sailfishos.sailjaild1 object that applications and sailjailctl talk
// to, grounded on the original's daemon/service.c.
package service

import (
	"fmt"
	"os/user"
	"strconv"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"

	"github.com/sailfishos/sailjaild/internal/appinfo"
	"github.com/sailfishos/sailjaild/internal/dbusapi"
	"github.com/sailfishos/sailjaild/internal/later"
	"github.com/sailfishos/sailjaild/internal/pathutil"
	"github.com/sailfishos/sailjaild/internal/settings"
	"github.com/sailfishos/sailjaild/internal/stringset"
)

// The two policies service_may_administrate checks: root or the
// "privileged" group owns the privileged policy, a dedicated MDM user or
// group owns the device-management policy.
const (
	privilegedGroup = "privileged"
	mdmUser         = "sailfish-mdm"
	mdmGroup        = "sailfish-mdm"
)

// Host is the narrow view onto the control hub Service needs: application
// and settings lookups, all of which are assumed to already run on the
// same loop goroutine Service's own handlers are scheduled onto.
type Host interface {
	CurrentUser() int
	ValidUser(uid int) bool
	Applications() *stringset.Set
	AppInfo(appid string) *appinfo.AppInfo
	AppSettings(uid int, appid string) *settings.AppSettings
}

// Prompter is the narrow view onto the prompter Service queues launch
// permission invocations into.
type Prompter interface {
	HandleInvocation(inv dbusapi.Invocation)
}

// GroupResolver answers the unix group/identity questions
// service_may_administrate needs, decoupled from the real /etc/passwd so
// tests can supply a fake.
type GroupResolver interface {
	InGroup(uid int, group string) bool
	IsUser(uid int, name string) bool
}

type osGroupResolver struct{}

func (osGroupResolver) InGroup(uid int, group string) bool {
	g, err := user.LookupGroup(group)
	if err != nil {
		return false
	}
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return false
	}
	gids, err := u.GroupIds()
	if err != nil {
		return false
	}
	for _, gid := range gids {
		if gid == g.Gid {
			return true
		}
	}
	return false
}

func (osGroupResolver) IsUser(uid int, name string) bool {
	u, err := user.Lookup(name)
	if err != nil {
		return false
	}
	want, err := strconv.Atoi(u.Uid)
	return err == nil && want == uid
}

// Service is the D-Bus surface: it owns the well-known bus name, dispatches
// the ten PermissionManager methods, and broadcasts application lifecycle
// signals.
type Service struct {
	host     Host
	prompter Prompter
	loop     *later.Loop
	logger   hclog.Logger

	authority GroupResolver

	conn      *dbus.Conn
	announced *stringset.Set

	// permissionFilter masks Base and Privileged out of a permission set
	// shown in a prompt; grounded on service_filter_permissions.
	permissionFilter *stringset.Set

	nameLostSignals chan *dbus.Signal
	nameLostStop    chan struct{}

	onNameLost func()
}

// New creates a Service. onNameLost, if non-nil, is invoked (on its own
// goroutine, not the loop) when the well-known name is lost after being
// acquired; the caller typically wires this to an orderly shutdown.
func New(host Host, prompter Prompter, loop *later.Loop, logger hclog.Logger, onNameLost func()) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("service")
	logger.Info("create")

	return &Service{
		host:             host,
		prompter:         prompter,
		loop:             loop,
		logger:           logger,
		authority:        osGroupResolver{},
		announced:        stringset.New(),
		permissionFilter: stringset.FromSlice([]string{pathutil.PermissionBase, pathutil.PermissionPrivileged}),
		onNameLost:       onNameLost,
	}
}

// Attach requests the well-known name on conn and exports the object and
// its introspection data. It is the Go stand-in for g_bus_own_name plus
// service_set_connection.
func (s *Service) Attach(conn *dbus.Conn) error {
	reply, err := conn.RequestName(dbusapi.ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %w", dbusapi.ServiceName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already owned (reply %v)", dbusapi.ServiceName, reply)
	}

	if err := conn.ExportMethodTable(s.methodTable(), dbus.ObjectPath(dbusapi.ServiceObject), dbusapi.ServiceIface); err != nil {
		return fmt.Errorf("export methods: %w", err)
	}
	if err := conn.Export(introspect.NewIntrospectable(introspectNode()), dbus.ObjectPath(dbusapi.ServiceObject), "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}

	s.conn = conn
	s.logger.Info("acquired name", "name", dbusapi.ServiceName)
	s.watchOwnName()
	return nil
}

// Detach releases the well-known name and stops watching for its loss.
func (s *Service) Detach() {
	if s.conn == nil {
		return
	}
	s.stopWatchingOwnName()
	if _, err := s.conn.ReleaseName(dbusapi.ServiceName); err != nil {
		s.logger.Warn("release name failed", "error", err)
	}
	s.conn = nil
}

// watchOwnName monitors for our own name being lost out from under us,
// e.g. because of a bus policy change, and reports it via onNameLost; the
// fatal condition the original's name_lost_cb treats as "time to quit".
func (s *Service) watchOwnName() {
	if s.onNameLost == nil {
		return
	}
	s.nameLostSignals = make(chan *dbus.Signal, 8)
	s.conn.Signal(s.nameLostSignals)
	matchRule := fmt.Sprintf("type='signal',interface='%s',member='NameOwnerChanged',arg0='%s'",
		dbusapi.BusIface, dbusapi.ServiceName)
	busObj := s.conn.Object(dbusapi.BusService, dbus.ObjectPath(dbusapi.BusPath))
	busObj.Call("org.freedesktop.DBus.AddMatch", 0, matchRule)

	s.nameLostStop = make(chan struct{})
	go s.watchOwnNameLoop(s.nameLostSignals, s.nameLostStop)
}

func (s *Service) watchOwnNameLoop(signals chan *dbus.Signal, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
				continue
			}
			newOwner, _ := sig.Body[2].(string)
			if newOwner == "" {
				s.logger.Error("lost well-known name", "name", dbusapi.ServiceName)
				if s.onNameLost != nil {
					go s.onNameLost()
				}
				return
			}
		}
	}
}

func (s *Service) stopWatchingOwnName() {
	if s.nameLostStop != nil {
		close(s.nameLostStop)
		s.nameLostStop = nil
	}
	if s.nameLostSignals != nil {
		s.conn.RemoveSignal(s.nameLostSignals)
		close(s.nameLostSignals)
		s.nameLostSignals = nil
	}
}

// FilterPermissions masks Base and Privileged out of permissions, the set
// of things a prompt should actually show the user. If masking would empty
// an otherwise non-empty set that included Privileged, Privileged is kept:
// an app that needs nothing but Privileged must still be prompted for it,
// rather than silently auto-granted via the "no visible permissions"
// fast path in PromptLaunchPermissions/QueryLaunchPermissions.
func (s *Service) FilterPermissions(permissions *stringset.Set) *stringset.Set {
	filtered := permissions.FilterOut(s.permissionFilter)
	if filtered.Empty() && permissions.Contains(pathutil.PermissionPrivileged) {
		filtered.Add(pathutil.PermissionPrivileged)
	}
	return filtered
}

// ApplicationsChanged diffs changed against the set of appids already
// announced on the bus and emits ApplicationAdded / ApplicationChanged /
// ApplicationRemoved accordingly, grounded on service_applications_changed.
func (s *Service) ApplicationsChanged(changed *stringset.Set) {
	for _, appid := range changed.ToSlice() {
		info := s.host.AppInfo(appid)
		var signal string
		switch {
		case info == nil || info.State != appinfo.Valid:
			signal = dbusapi.SignalAppRemoved
			s.announced.Remove(appid)
		case s.announced.Add(appid):
			signal = dbusapi.SignalAppAdded
		default:
			signal = dbusapi.SignalAppChanged
		}
		s.emitSignal(signal, appid)
	}
}

func (s *Service) emitSignal(member, appid string) {
	if s.conn == nil {
		s.logger.Warn("signal skipped: not connected", "signal", member, "app", appid)
		return
	}
	err := s.conn.Emit(dbus.ObjectPath(dbusapi.ServiceObject), dbusapi.ServiceIface+"."+member, appid)
	if err != nil {
		s.logger.Error("emit failed", "signal", member, "app", appid, "error", err)
	}
}

// mayAdministrate reports whether sender's effective identity is allowed to
// call the administrative setters, grounded on service_may_administrate:
// root or the "privileged" group, or the dedicated MDM user/group.
func (s *Service) mayAdministrate(sender dbus.Sender) bool {
	uid, ok := s.connectionUID(string(sender))
	if !ok {
		return false
	}
	return s.isPrivileged(uid) || s.isMDM(uid)
}

func (s *Service) isPrivileged(uid int) bool {
	return uid == 0 || s.authority.InGroup(uid, privilegedGroup)
}

func (s *Service) isMDM(uid int) bool {
	return s.authority.IsUser(uid, mdmUser) || s.authority.InGroup(uid, mdmGroup)
}

func (s *Service) connectionUID(sender string) (int, bool) {
	if s.conn == nil {
		return 0, false
	}
	obj := s.conn.Object(dbusapi.BusService, dbus.ObjectPath(dbusapi.BusPath))
	var uid uint32
	call := obj.Call(dbusapi.BusIface+"."+dbusapi.BusMethodGetConnectionUnixUser, 0, sender)
	if call.Err != nil {
		return 0, false
	}
	if err := call.Store(&uid); err != nil {
		return 0, false
	}
	return int(uid), true
}

// onLoop runs fn on the loop goroutine and blocks the calling (per-call
// dispatch) goroutine until it has completed. Every exported D-Bus method
// below uses this so Host/Prompter state is only ever touched from the
// single loop goroutine, matching the rest of the daemon's concurrency
// model even though godbus dispatches each incoming call on its own
// goroutine.
func (s *Service) onLoop(fn func()) {
	done := make(chan struct{})
	s.loop.New("service-call", 0, 0, func() {
		fn()
		close(done)
	}).Schedule()
	<-done
}

// --- exported D-Bus methods -------------------------------------------------

func (s *Service) getApplications() ([]string, *dbus.Error) {
	var apps []string
	s.onLoop(func() {
		apps = s.host.Applications().ToSortedSlice()
	})
	return apps, nil
}

func (s *Service) getAppInfo(app string) (map[string]dbus.Variant, *dbus.Error) {
	var variant map[string]dbus.Variant
	var derr *dbusapi.Error
	s.onLoop(func() {
		info := s.host.AppInfo(app)
		if info == nil {
			derr = dbusapi.NewError(dbusapi.ErrorInvalidArgs, dbusapi.MessageInvalidApplication, app)
			return
		}
		variant = appinfoToVariant(info)
	})
	return variant, toDBusError(derr)
}

func (s *Service) getLicenseAgreed(uid uint32, app string) (int32, *dbus.Error) {
	var agreed int32
	var derr *dbusapi.Error
	s.onLoop(func() {
		as, err := s.lookupAppSettings(int(uid), app)
		if err != nil {
			derr = err
			return
		}
		agreed = int32(as.Agreed())
	})
	return agreed, toDBusError(derr)
}

func (s *Service) setLicenseAgreed(uid uint32, app string, agreed int32, sender dbus.Sender) *dbus.Error {
	if !s.mayAdministrate(sender) {
		return toDBusError(dbusapi.NewError(dbusapi.ErrorAccessDenied, dbusapi.MessageRestrictedMethod, sender, dbusapi.MethodSetLicense))
	}
	var derr *dbusapi.Error
	s.onLoop(func() {
		as, err := s.lookupAppSettings(int(uid), app)
		if err != nil {
			derr = err
			return
		}
		as.SetAgreed(settings.Agreed(agreed))
	})
	return toDBusError(derr)
}

func (s *Service) getLaunchAllowed(uid uint32, app string) (int32, *dbus.Error) {
	var allowed int32
	var derr *dbusapi.Error
	s.onLoop(func() {
		as, err := s.lookupAppSettings(int(uid), app)
		if err != nil {
			derr = err
			return
		}
		allowed = int32(as.Allowed())
	})
	return allowed, toDBusError(derr)
}

func (s *Service) setLaunchAllowed(uid uint32, app string, allowed int32, sender dbus.Sender) *dbus.Error {
	if !s.mayAdministrate(sender) {
		return toDBusError(dbusapi.NewError(dbusapi.ErrorAccessDenied, dbusapi.MessageRestrictedMethod, sender, dbusapi.MethodSetLaunchable))
	}
	var derr *dbusapi.Error
	s.onLoop(func() {
		as, err := s.lookupAppSettings(int(uid), app)
		if err != nil {
			derr = err
			return
		}
		as.SetAllowed(settings.Allowed(allowed))
	})
	return toDBusError(derr)
}

func (s *Service) getGrantedPermissions(uid uint32, app string) ([]string, *dbus.Error) {
	var granted []string
	var derr *dbusapi.Error
	s.onLoop(func() {
		as, err := s.lookupAppSettings(int(uid), app)
		if err != nil {
			derr = err
			return
		}
		granted = as.Granted().ToSortedSlice()
	})
	return granted, toDBusError(derr)
}

func (s *Service) setGrantedPermissions(uid uint32, app string, permissions []string, sender dbus.Sender) *dbus.Error {
	if !s.mayAdministrate(sender) {
		return toDBusError(dbusapi.NewError(dbusapi.ErrorAccessDenied, dbusapi.MessageRestrictedMethod, sender, dbusapi.MethodSetGranted))
	}
	if permissions == nil {
		return toDBusError(dbusapi.NewError(dbusapi.ErrorInvalidArgs, dbusapi.MessageInvalidPermissions))
	}
	var derr *dbusapi.Error
	s.onLoop(func() {
		as, err := s.lookupAppSettings(int(uid), app)
		if err != nil {
			derr = err
			return
		}
		as.SetGranted(stringset.FromSlice(permissions))
	})
	return toDBusError(derr)
}

// lookupAppSettings validates uid then app, in that order, matching the
// original's control_valid_user-then-control_appsettings branching: by the
// time AppSettings is consulted, a nil result means the application name
// did not resolve to a valid, currently-available application.
func (s *Service) lookupAppSettings(uid int, app string) (*settings.AppSettings, *dbusapi.Error) {
	if !s.host.ValidUser(uid) {
		return nil, dbusapi.NewError(dbusapi.ErrorInvalidArgs, dbusapi.MessageInvalidUser, uid)
	}
	as := s.host.AppSettings(uid, app)
	if as == nil {
		return nil, dbusapi.NewError(dbusapi.ErrorInvalidArgs, dbusapi.MessageInvalidApplication, app)
	}
	return as, nil
}

func (s *Service) promptLaunchPermissions(app string, sender dbus.Sender) ([]string, *dbus.Error) {
	return s.resolveLaunchPermissions(app, string(sender), true)
}

func (s *Service) queryLaunchPermissions(app string, sender dbus.Sender) ([]string, *dbus.Error) {
	return s.resolveLaunchPermissions(app, string(sender), false)
}

// resolveLaunchPermissions implements the shared body of
// PromptLaunchPermissions and QueryLaunchPermissions: the current session
// user is used (never the caller-supplied uid, since there isn't one), an
// app requiring no visibly-filtered permissions is auto-allowed unless
// already explicitly denied, Never/Always resolve immediately, and an
// unresolved app either queues for prompting (Prompt, when the desktop
// file is readable) or fails NotAllowed (Query, always; Prompt, when the
// desktop file cannot be read).
func (s *Service) resolveLaunchPermissions(app, sender string, prompting bool) ([]string, *dbus.Error) {
	type outcome struct {
		granted []string
		err     *dbusapi.Error
		queued  bool
	}
	var out outcome
	s.onLoop(func() {
		uid := s.host.CurrentUser()
		info := s.host.AppInfo(app)
		if info == nil {
			out.err = dbusapi.NewError(dbusapi.ErrorInvalidArgs, dbusapi.MessageInvalidApplication, app)
			return
		}
		as := s.host.AppSettings(uid, app)
		if as == nil {
			out.err = dbusapi.NewError(dbusapi.ErrorInvalidArgs, dbusapi.MessageInvalidUser, uid)
			return
		}

		filtered := s.FilterPermissions(info.Effective)
		if filtered.Empty() && as.Allowed() == settings.AllowedUnset {
			as.SetAllowed(settings.AllowedAlways)
		}

		switch as.Allowed() {
		case settings.AllowedNever:
			out.err = dbusapi.NewError(dbusapi.ErrorAuthFailed, dbusapi.MessageDeniedPermanently)
		case settings.AllowedAlways:
			out.granted = as.Granted().ToSortedSlice()
		default:
			if !prompting || !readable(pathutil.FromDesktopName(info.ID)) {
				out.err = dbusapi.NewError(dbusapi.ErrorAuthFailed, dbusapi.MessageNotAllowed)
			} else {
				out.queued = true
			}
		}
	})

	if !out.queued {
		return out.granted, toDBusError(out.err)
	}

	inv := newDBusInvocation(sender, s.conn, app)
	s.onLoop(func() {
		s.prompter.HandleInvocation(inv)
	})
	res := <-inv.done
	return res.granted, toDBusError(res.err)
}

func toDBusError(err *dbusapi.Error) *dbus.Error {
	if err == nil {
		return nil
	}
	return dbus.NewError(err.Name, []interface{}{err.Message})
}

func (s *Service) methodTable() map[string]interface{} {
	return map[string]interface{}{
		dbusapi.MethodGetApplications: s.getApplications,
		dbusapi.MethodGetAppInfo:      s.getAppInfo,
		dbusapi.MethodGetLicense:      s.getLicenseAgreed,
		dbusapi.MethodSetLicense:      s.setLicenseAgreed,
		dbusapi.MethodGetLaunchable:   s.getLaunchAllowed,
		dbusapi.MethodSetLaunchable:   s.setLaunchAllowed,
		dbusapi.MethodGetGranted:      s.getGrantedPermissions,
		dbusapi.MethodSetGranted:      s.setGrantedPermissions,
		dbusapi.MethodPrompt:          s.promptLaunchPermissions,
		dbusapi.MethodQuery:           s.queryLaunchPermissions,
	}
}
