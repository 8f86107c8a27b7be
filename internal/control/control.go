// Package control wires every other component together into one running
// daemon: it owns the single loop goroutine, the three priority-ordered
// re-evaluation stages, and every concrete data-tracking component, and
// implements the narrow Host interfaces prompter.Prompter and
// service.Service consult for lookups. Grounded on the original's
// daemon/control.c, with migrator and appservices, left unwired in that
// source tree, adopted here as Hub-owned siblings of service.
package control

import (
	hclog "github.com/hashicorp/go-hclog"

	"github.com/godbus/dbus"

	"github.com/sailfishos/sailjaild/internal/appinfo"
	"github.com/sailfishos/sailjaild/internal/applications"
	"github.com/sailfishos/sailjaild/internal/appservices"
	"github.com/sailfishos/sailjaild/internal/config"
	"github.com/sailfishos/sailjaild/internal/later"
	"github.com/sailfishos/sailjaild/internal/migrator"
	"github.com/sailfishos/sailjaild/internal/permissions"
	"github.com/sailfishos/sailjaild/internal/prompter"
	"github.com/sailfishos/sailjaild/internal/service"
	"github.com/sailfishos/sailjaild/internal/session"
	"github.com/sailfishos/sailjaild/internal/settings"
	"github.com/sailfishos/sailjaild/internal/stringset"
	"github.com/sailfishos/sailjaild/internal/users"
)

const (
	priorityApplications = 0
	prioritySettings     = 10
	priorityBroadcast    = 20
)

// Hub owns the loop goroutine and every data-tracking component, and
// implements the re-evaluation pipeline as three Deferreds scheduled at
// strictly increasing priorities so that when all three are pending in the
// same tick they still run in this order.
type Hub struct {
	loop   *later.Loop
	logger hclog.Logger

	users        *users.Users
	permissions  *permissions.Permissions
	applications *applications.Applications
	session      *session.Session
	settings     *settings.Settings
	migrator     *migrator.Migrator
	appservices  *appservices.AppServices
	prompter     *prompter.Prompter
	service      *service.Service

	changed *stringset.Set

	rethinkApplications *later.Deferred
	rethinkSettings     *later.Deferred
	broadcast           *later.Deferred

	stop chan struct{}

	onFatal func(reason string)
}

// New builds every component and performs the initial synchronous
// application/effective-permission pass, but does not yet own a D-Bus
// connection; call Attach once one is dialed.
func New(cfg *config.Config, logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("control")
	logger.Info("create")

	h := &Hub{
		logger:  logger,
		changed: stringset.New(),
		stop:    make(chan struct{}),
	}

	h.loop = later.NewLoop()
	go h.loop.Run(h.stop)

	h.rethinkApplications = h.loop.New("applications", priorityApplications, 0, h.rethinkApplicationsNow)
	h.rethinkSettings = h.loop.New("settings", prioritySettings, 0, h.rethinkSettingsNow)
	h.broadcast = h.loop.New("broadcast", priorityBroadcast, 0, h.broadcastNow)

	h.users = users.New(h, cfg, h.loop, logger)
	h.permissions = permissions.New(h, h.loop, logger)
	h.applications = applications.New(h, cfg, h.loop, logger)
	// The available permission set exists before any AppInfo has had its
	// Effective permissions intersected against it; run that pass now so
	// Settings (built next) reconciles against real data instead of empty
	// Effective sets on every app.
	h.applications.Rethink(h.permissions.Available())

	h.session = session.New(h, h.loop, logger)

	h.settings = settings.New(h, cfg, h.applications, h.users, h.loop, logger)
	h.migrator = migrator.New(h.settings, h.applications, h.users, h.loop, logger)
	h.settings.SetSaveNotifier(h.migrator)

	h.appservices = appservices.New(h, h.applications, h, logger)
	h.prompter = prompter.New(h, h.loop, logger)
	h.service = service.New(h, h.prompter, h.loop, logger, h.handleNameLost)

	return h
}

// SetFatalHandler registers fn to be called (off the loop goroutine) if the
// daemon hits a condition it cannot recover from, such as losing its
// well-known bus name after acquiring it. The caller typically wires this
// to process shutdown.
func (h *Hub) SetFatalHandler(fn func(reason string)) {
	h.onFatal = fn
}

func (h *Hub) handleNameLost() {
	h.logger.Error("well-known name lost, giving up ownership")
	if h.onFatal != nil {
		h.onFatal("lost well-known bus name")
	}
}

// Attach requests sailjaild's well-known name on conn and exports its
// object and introspection data.
func (h *Hub) Attach(conn *dbus.Conn) error {
	return h.service.Attach(conn)
}

// Detach releases the well-known name, if held.
func (h *Hub) Detach() {
	h.service.Detach()
}

// Close tears down every component and stops the loop goroutine. Order
// matters: downlinks (service, prompter, appservices, migrator) go first,
// then the data trackers, then the loop itself.
func (h *Hub) Close() {
	h.logger.Info("delete")

	h.service.Detach()
	h.prompter.Close()
	h.appservices.Close()
	h.migrator.Close()

	h.settings.Close()
	h.session.Close()
	h.applications.Close()
	h.permissions.Close()
	h.users.Close()

	close(h.stop)
}

/* ------------------------------------------------------------------------- *
 * re-evaluation pipeline
 * ------------------------------------------------------------------------- */

func (h *Hub) rethinkApplicationsNow() {
	h.logger.Debug("rethink applications")
	h.applications.Rethink(h.permissions.Available())
	// -> OnApplicationsChanged
}

func (h *Hub) rethinkSettingsNow() {
	h.logger.Debug("rethink settings")
	h.settings.Rethink()
	// -> OnSettingsChanged
}

func (h *Hub) broadcastNow() {
	h.logger.Debug("broadcast", "applications", h.changed.ToJoinedString())
	h.service.ApplicationsChanged(h.changed)
	h.changed.Clear()
}

/* ------------------------------------------------------------------------- *
 * external notifications -> pipeline
 * ------------------------------------------------------------------------- */

// OnUsersChanged re-syncs Settings against the current uid range: newly
// valid uids get their settings file loaded, uids that dropped out get
// their cached state and on-disk file removed.
func (h *Hub) OnUsersChanged() {
	h.logger.Info("users changed")
	h.settings.LoadAll()
}

// OnSessionChanged informs Prompter (which fails pending invocations and
// drops its session-bus connection on an actual uid change) and AppServices
// (which regenerates the new active user's D-Bus service files).
func (h *Hub) OnSessionChanged() {
	h.logger.Info("session changed")
	h.prompter.SessionChanged()
	h.appservices.Rethink()
}

// OnPermissionsChanged schedules stage 1: every AppInfo's effective
// permissions are recomputed against the new available set.
func (h *Hub) OnPermissionsChanged() {
	h.logger.Info("permissions changed")
	h.rethinkApplications.Schedule()
}

// OnApplicationsChanged is Applications' notifier hook, fired synchronously
// from within Rethink. It regenerates D-Bus service files for whichever
// appids changed, has Prompter re-check queued and in-flight calls for
// them, accumulates them into the broadcast change set, and schedules
// stages 2 and 3. During New's initial pass AppServices and Prompter do not
// exist yet and are skipped.
func (h *Hub) OnApplicationsChanged(changed map[string]bool) {
	set := stringset.New()
	for appid := range changed {
		h.changed.Add(appid)
		set.Add(appid)
		if h.appservices != nil {
			h.appservices.ApplicationChanged(appid, h.applications.AppInfo(appid))
		}
	}
	if h.prompter != nil {
		h.prompter.ApplicationsChanged(set)
	}
	h.rethinkSettings.Schedule()
	h.broadcast.Schedule()
}

// OnSettingsChanged is Settings' notifier hook for one user-visible
// (allowed/agreed/granted) change to a single appid: it only needs to
// schedule a broadcast, not a full settings re-evaluation.
func (h *Hub) OnSettingsChanged(appid string) {
	h.changed.Add(appid)
	h.broadcast.Schedule()
}

// OnAppServicesChanged is AppServices' notifier hook. Service-activation
// files are D-Bus activation infrastructure, not part of any exposed
// lookup, so there is nothing further to propagate; logged for visibility
// only, the same dead-end shape as the original's users-changed handler.
func (h *Hub) OnAppServicesChanged() {
	h.logger.Debug("app services changed")
}

/* ------------------------------------------------------------------------- *
 * prompter.Host / service.Host
 * ------------------------------------------------------------------------- */

// CurrentUser returns the uid whose session is currently active at the
// primary seat, or session.UndefinedUID if none.
func (h *Hub) CurrentUser() int {
	return h.session.CurrentUser()
}

// ValidUser reports whether uid is a currently tracked user.
func (h *Hub) ValidUser(uid int) bool {
	return h.users.Exists(uid)
}

// Applications returns the currently valid application ids.
func (h *Hub) Applications() *stringset.Set {
	return h.applications.Available()
}

// AppInfo looks up appid's parsed desktop entry, or nil.
func (h *Hub) AppInfo(appid string) *appinfo.AppInfo {
	return h.applications.AppInfo(appid)
}

// AppSettings looks up (creating if necessary) uid/appid's settings, or nil
// if uid or appid is not currently valid.
func (h *Hub) AppSettings(uid int, appid string) *settings.AppSettings {
	return h.settings.AppSettings(uid, appid)
}

// FilterPermissions delegates to Service's copy of
// service_filter_permissions, the one piece of Service's state Prompter
// also needs directly.
func (h *Hub) FilterPermissions(perms *stringset.Set) *stringset.Set {
	return h.service.FilterPermissions(perms)
}

// Settings' SaveNotifier is wired directly to Migrator in New rather than
// through Hub: draining the removal queue is Migrator's job alone, and
// routing OnSettingsSaved through Hub would add a hop nothing else needs.
