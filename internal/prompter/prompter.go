// Package prompter drives the user-facing permission prompt: it queues
// incoming PromptLaunchPermissions calls, connects to the caller's session
// bus, and asks windowprompt to show a dialog for each application that
// still has an undecided (Unset) permission grant. Grounded on the original
// implementation's daemon/prompter.c.
package prompter

import (
	"fmt"
	"os"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/godbus/dbus"

	"github.com/sailfishos/sailjaild/internal/appinfo"
	"github.com/sailfishos/sailjaild/internal/dbusapi"
	"github.com/sailfishos/sailjaild/internal/later"
	"github.com/sailfishos/sailjaild/internal/pathutil"
	"github.com/sailfishos/sailjaild/internal/settings"
	"github.com/sailfishos/sailjaild/internal/stringset"
)

const undefinedUID = -1

const (
	connectionFailureDelay = 5000 * time.Millisecond
	promptingFailureDelay  = 1000 * time.Millisecond
)

const nameOwnerChangedSignal = "org.freedesktop.DBus.NameOwnerChanged"

type state int

const (
	stateUndefined state = iota
	stateIdle
	stateConnect
	statePrompt
	stateWait
	stateDisconnect
	stateConnectionFailure
	statePromptingFailure
	stateFinal
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateConnect:
		return "CONNECT"
	case statePrompt:
		return "PROMPT"
	case stateWait:
		return "WAIT"
	case stateDisconnect:
		return "DISCONNECT"
	case stateConnectionFailure:
		return "CONNECTION_FAILURE"
	case statePromptingFailure:
		return "PROMPTING_FAILURE"
	case stateFinal:
		return "FINAL"
	default:
		return "UNDEFINED"
	}
}

// Host is the narrow view Prompter needs onto its owning component: the
// lookups it would otherwise reach via service_control()/prompter_control(),
// plus the one call it makes directly against its host, permission
// filtering for what gets shown in the prompt dialog.
type Host interface {
	CurrentUser() int
	ValidUser(uid int) bool
	AppSettings(uid int, appid string) *settings.AppSettings
	AppInfo(appid string) *appinfo.AppInfo
	FilterPermissions(permissions *stringset.Set) *stringset.Set
}

// Prompter owns the queue of pending PromptLaunchPermissions calls and the
// state machine that connects to the active user's session bus, prompts
// windowprompt for each undecided application in turn, and resolves calls
// that permissions/session changes have already settled without prompting.
type Prompter struct {
	host   Host
	loop   *later.Loop
	logger hclog.Logger

	state state
	eval  *later.Deferred

	connFailureTimer   *later.Deferred
	promptFailureTimer *later.Deferred

	cachedUser int

	queue   []dbusapi.Invocation
	current dbusapi.Invocation
	canceled bool

	conn    *dbus.Conn
	signals chan *dbus.Signal
	connGen int

	prompt    string
	waitToken int

	watchers map[string]*nameWatcher
}

// New creates the Prompter and immediately enters its Idle state.
func New(host Host, loop *later.Loop, logger hclog.Logger) *Prompter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("prompter")
	logger.Info("create")

	p := &Prompter{
		host:       host,
		loop:       loop,
		logger:     logger,
		cachedUser: host.CurrentUser(),
		watchers:   make(map[string]*nameWatcher),
	}
	p.eval = loop.New("prompter-eval", 0, 0, p.evalStateNow)
	p.connFailureTimer = loop.New("prompter-connect-retry", 0, connectionFailureDelay, p.evalStateLater)
	p.promptFailureTimer = loop.New("prompter-prompt-retry", 0, promptingFailureDelay, p.evalStateLater)
	p.setState(stateIdle)
	return p
}

// Close tears everything down: drops the session bus connection, fails
// every queued and in-flight call, and stops watching every caller.
func (p *Prompter) Close() {
	p.logger.Info("delete")
	p.setState(stateFinal)
	p.eval.Cancel()
	p.connFailureTimer.Cancel()
	p.promptFailureTimer.Cancel()
	for name, w := range p.watchers {
		delete(p.watchers, name)
		w.unwatch()
	}
}

// HandleInvocation queues a PromptLaunchPermissions call for processing and
// starts watching its caller for disconnection.
func (p *Prompter) HandleInvocation(inv dbusapi.Invocation) {
	p.logger.Info("enqueue", "sender", inv.Sender())
	p.enqueue(inv)
	p.watchName(inv.Connection(), inv.Sender())
	p.evalStateLater()
}

// ApplicationsChanged re-checks every queued call (plus the in-flight one)
// against the set of appids whose permission grants just changed, resolving
// any whose outcome is now decided without ever prompting for it.
func (p *Prompter) ApplicationsChanged(changed *stringset.Set) {
	if p.tryFinishInvocation(p.current, changed) {
		p.current = nil
		p.setPromptCanceled(true)
		p.evalStateLater()
	}

	var remaining []dbusapi.Invocation
	for _, inv := range p.queue {
		if !p.tryFinishInvocation(inv, changed) {
			remaining = append(remaining, inv)
		}
	}
	p.queue = remaining
}

// SessionChanged fails every queued and in-flight call and drops the
// session bus connection when the active user has actually changed.
func (p *Prompter) SessionChanged() {
	if p.cachedUser != undefinedUID && p.host.CurrentUser() != p.cachedUser {
		p.dequeueAllFailed()
		p.failInvocation()
		p.setState(stateDisconnect)
	}
	p.cachedUser = p.host.CurrentUser()
}

// DBusReloadConfig asks dbus-daemon on the active session bus to reload its
// configuration, opening (and then dropping) a temporary connection if
// Prompter was not already connected.
func (p *Prompter) DBusReloadConfig() {
	p.logger.Info("reload dbus config")

	wasConnected := p.conn != nil
	if !wasConnected {
		p.logger.Info("temporarily connecting to the user session")
		if !p.connect() {
			p.logger.Error("unable to connect to the user session to reload dbus config")
			return
		}
	}

	p.conn.BusObject().Go(dbusapi.BusIface+"."+dbusapi.BusMethodReloadConfig, 0, nil)

	if !wasConnected {
		p.logger.Info("disconnecting temporary user session connection")
		p.disconnect()
	}
}

/* ------------------------------------------------------------------------- *
 * state machine
 * ------------------------------------------------------------------------- */

func transitionAllowed(prev, next state) bool {
	if prev == stateFinal {
		return false
	}
	if next == stateUndefined {
		return false
	}
	return true
}

func (p *Prompter) setState(next state) {
	if p.state == next {
		return
	}
	if !transitionAllowed(p.state, next) {
		p.logger.Error("rejected transition", "from", p.state, "to", next)
		return
	}
	p.logger.Info("state transition", "from", p.state, "to", next)
	p.leaveState()
	p.state = next
	p.enterState()
	p.evalStateLater()
}

func (p *Prompter) enterState() {
	switch p.state {
	case stateConnect:
		if !p.connect() {
			p.setState(stateConnectionFailure)
		}
	case stateWait:
		if !p.waitInvocation() {
			p.failInvocation()
		}
	case stateDisconnect:
		p.disconnect()
	case stateConnectionFailure:
		p.connFailureTimer.Schedule()
	case statePromptingFailure:
		p.promptFailureTimer.Schedule()
	case stateFinal:
		p.disconnect()
		p.dequeueAllFailed()
		p.failInvocation()
	}
}

func (p *Prompter) leaveState() {
	switch p.state {
	case stateWait:
		p.failInvocation()
		p.setPromptCanceled(false)
		p.waitToken++
		p.prompt = ""
	case stateConnectionFailure:
		p.connFailureTimer.Cancel()
	case statePromptingFailure:
		p.promptFailureTimer.Cancel()
	}
}

func (p *Prompter) evalStateLater() {
	p.eval.Schedule()
}

func (p *Prompter) evalStateNow() {
	switch p.state {
	case stateIdle:
		if len(p.queue) > 0 {
			p.setState(stateConnect)
		}
	case stateConnect:
		if p.conn != nil {
			p.setState(statePrompt)
		}
	case statePrompt:
		if p.canceled || p.current != nil {
			if p.prompt != "" {
				p.setState(stateWait)
			}
		} else if p.nextInvocation() == nil {
			p.setState(stateDisconnect)
		} else if !p.promptInvocation() {
			p.failInvocation()
		}
	case stateWait:
		if p.canceled {
			p.cancelPrompt()
			p.setState(statePrompt)
		} else if p.current == nil {
			p.setState(statePrompt)
		}
	case stateDisconnect:
		if p.conn == nil {
			p.setState(stateIdle)
		}
	case stateConnectionFailure:
		if !p.connFailureTimer.Pending() {
			p.setState(stateIdle)
		}
	case statePromptingFailure:
		if !p.promptFailureTimer.Pending() {
			p.setState(stateDisconnect)
		}
	}
}

/* ------------------------------------------------------------------------- *
 * prompt-canceled flag
 * ------------------------------------------------------------------------- */

func (p *Prompter) setPromptCanceled(v bool) {
	if v {
		p.logger.Debug("set prompt to be canceled")
	} else if p.canceled {
		p.logger.Debug("prompt canceling cleared")
	}
	p.canceled = v
}

/* ------------------------------------------------------------------------- *
 * invocation resolution
 * ------------------------------------------------------------------------- */

// checkInvocation resolves inv immediately if its outcome is already known
// (invalid args, invalid user/app, Never, or Always); returns whether it
// replied.
func (p *Prompter) checkInvocation(inv dbusapi.Invocation) bool {
	app := inv.App()
	if app == "" {
		inv.Fail(dbusapi.NewError(dbusapi.ErrorInvalidArgs, dbusapi.MessageInvalidApplication, "<null>"))
		return true
	}

	uid := p.host.CurrentUser()
	as := p.host.AppSettings(uid, app)
	if as == nil {
		if !p.host.ValidUser(uid) {
			inv.Fail(dbusapi.NewError(dbusapi.ErrorInvalidArgs, dbusapi.MessageInvalidUser, uid))
		} else {
			inv.Fail(dbusapi.NewError(dbusapi.ErrorInvalidArgs, dbusapi.MessageInvalidApplication, app))
		}
		return true
	}

	switch as.Allowed() {
	case settings.AllowedNever:
		inv.Fail(dbusapi.NewError(dbusapi.ErrorAuthFailed, dbusapi.MessageDeniedPermanently))
		return true
	case settings.AllowedAlways:
		inv.Reply(as.Granted().ToSortedSlice())
		return true
	default:
		return false
	}
}

// tryFinishInvocation resolves inv if app was one of the changed appids and
// the outcome is now decided.
func (p *Prompter) tryFinishInvocation(inv dbusapi.Invocation, changed *stringset.Set) bool {
	if inv == nil {
		return false
	}
	app := inv.App()
	if app == "" {
		inv.Fail(dbusapi.NewError(dbusapi.ErrorInvalidArgs, dbusapi.MessageInvalidApplication, "<null>"))
		return true
	}
	if !changed.Contains(app) {
		return false
	}
	return p.checkInvocation(inv)
}

// finishInvocation clears the in-flight call, replying with a generic
// not-allowed error if it is not already resolved (meaning the prompt for
// it was canceled).
func (p *Prompter) finishInvocation() {
	inv := p.current
	if inv == nil {
		return
	}
	p.current = nil
	if !p.checkInvocation(inv) {
		inv.Fail(dbusapi.NewError(dbusapi.ErrorAuthFailed, dbusapi.MessageNotAllowed))
	}
	p.evalStateLater()
}

func (p *Prompter) failInvocation() {
	if p.current != nil {
		p.finishInvocation()
	}
}

// replyInvocation marks the in-flight call's application Always-allowed
// (the user just agreed to the prompt) and then resolves it.
func (p *Prompter) replyInvocation() {
	if p.current == nil {
		return
	}
	if app := p.current.App(); app != "" {
		if as := p.host.AppSettings(p.host.CurrentUser(), app); as != nil {
			as.SetAllowed(settings.AllowedAlways)
		}
	}
	p.finishInvocation()
}

// nextInvocation walks the queue, resolving every call whose outcome is
// already decided, and returns the first one still Unset (or nil once the
// queue is empty).
func (p *Prompter) nextInvocation() dbusapi.Invocation {
	for {
		p.failInvocation()
		p.current = p.dequeue()
		if p.current == nil {
			break
		}

		app := p.current.App()
		if app == "" {
			p.logger.Debug("no app")
			continue
		}

		as := p.host.AppSettings(p.host.CurrentUser(), app)
		if as == nil {
			p.logger.Debug("no appsettings")
			continue
		}

		switch as.Allowed() {
		case settings.AllowedUnset:
			p.logger.Debug("prompting", "app", app)
		case settings.AllowedAlways:
			p.logger.Debug("already allowed", "app", app)
			p.replyInvocation()
			continue
		default:
			p.logger.Debug("already denied", "app", app)
			continue
		}
		break
	}
	return p.current
}

/* ------------------------------------------------------------------------- *
 * queue
 * ------------------------------------------------------------------------- */

func (p *Prompter) enqueue(inv dbusapi.Invocation) {
	p.queue = append(p.queue, inv)
}

func (p *Prompter) dequeue() dbusapi.Invocation {
	if len(p.queue) == 0 {
		return nil
	}
	inv := p.queue[0]
	p.queue = p.queue[1:]
	return inv
}

func (p *Prompter) dequeueAllFailed() {
	for _, inv := range p.queue {
		inv.Fail(dbusapi.NewError(dbusapi.ErrorAuthFailed, dbusapi.MessageDismissed))
	}
	p.queue = nil
}

/* ------------------------------------------------------------------------- *
 * windowprompt calls
 * ------------------------------------------------------------------------- */

// invocationArgs builds the (desktop-entry-path, {"required": [...permission
// file paths...]}) windowprompt expects, or ok=false if the application has
// no desktop file in the standard directory (prompting makes no sense for
// it; it is either allowed by default or denied without prompting).
func (p *Prompter) invocationArgs(info *appinfo.AppInfo) (desktop string, required map[string][]string, ok bool) {
	desktop = pathutil.FromDesktopName(info.ID)
	if !readable(desktop) {
		return "", nil, false
	}

	filtered := p.host.FilterPermissions(info.Effective)
	names := filtered.ToSlice()
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = pathutil.FromPermissionName(name)
	}
	return desktop, map[string][]string{"required": paths}, true
}

func readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// promptInvocation issues the asynchronous newPermissionPrompt call for the
// in-flight invocation; its reply (the prompt dialog's object path) arrives
// via onPromptReply.
func (p *Prompter) promptInvocation() bool {
	if p.current == nil {
		return false
	}
	app := p.current.App()
	if app == "" {
		return false
	}
	info := p.host.AppInfo(app)
	if info == nil {
		p.logger.Error("unknown app", "app", app)
		return false
	}
	desktop, required, ok := p.invocationArgs(info)
	if !ok {
		p.logger.Error("does not exist, cannot prompt", "desktop", pathutil.FromDesktopName(info.ID))
		return false
	}

	gen := p.connGen
	obj := p.conn.Object(dbusapi.WindowPromptService, dbus.ObjectPath(dbusapi.WindowPromptObject))
	go func() {
		var objectPath dbus.ObjectPath
		err := obj.Call(dbusapi.WindowPromptIface+"."+dbusapi.WindowPromptMethodPrompt, 0, desktop, required).Store(&objectPath)
		p.loop.New("prompter-prompt-reply", 0, 0, func() {
			p.onPromptReply(gen, objectPath, err)
		}).Schedule()
	}()
	return true
}

func (p *Prompter) onPromptReply(gen int, objectPath dbus.ObjectPath, err error) {
	if gen != p.connGen {
		return
	}
	if err != nil {
		p.logger.Error("prompt call failed", "error", err)
		p.failInvocation()
		return
	}
	p.prompt = string(objectPath)
	p.evalStateLater()
}

// waitInvocation issues the asynchronous wait() call on the open prompt
// dialog; its reply arrives via onWaitReply.
func (p *Prompter) waitInvocation() bool {
	if p.canceled {
		return false
	}
	p.waitToken++
	token := p.waitToken
	gen := p.connGen
	obj := p.conn.Object(dbusapi.WindowPromptService, dbus.ObjectPath(p.prompt))
	go func() {
		err := obj.Call(dbusapi.WindowPromptPromptIface+"."+dbusapi.WindowPromptMethodWait, 0).Err
		p.loop.New("prompter-wait-reply", 0, 0, func() {
			p.onWaitReply(gen, token, err)
		}).Schedule()
	}()
	return true
}

func (p *Prompter) onWaitReply(gen, token int, err error) {
	if gen != p.connGen || token != p.waitToken {
		return // superseded: connection dropped or prompt canceled meanwhile
	}
	if err != nil {
		p.logger.Error("wait call failed", "error", err)
		p.failInvocation()
		return
	}
	p.replyInvocation()
}

// cancelPrompt asks windowprompt to dismiss the dialog currently open for
// the canceled call; fire-and-forget, the same way the original does.
func (p *Prompter) cancelPrompt() {
	if p.prompt == "" {
		p.logger.Error("tried to cancel prompt without object path")
		return
	}
	obj := p.conn.Object(dbusapi.WindowPromptService, dbus.ObjectPath(p.prompt))
	obj.Go(dbusapi.WindowPromptPromptIface+"."+dbusapi.WindowPromptMethodCancel, 0, nil)
	p.prompt = ""
}

/* ------------------------------------------------------------------------- *
 * session bus connection
 * ------------------------------------------------------------------------- */

func (p *Prompter) busAddress() string {
	uid := p.host.CurrentUser()
	if uid == undefinedUID {
		return ""
	}
	return fmt.Sprintf("unix:path=/run/user/%d/dbus/user_bus_socket", uid)
}

func (p *Prompter) connect() bool {
	if p.conn != nil {
		return true
	}
	address := p.busAddress()
	if address == "" {
		return false
	}

	conn, err := dbus.Dial(address)
	if err != nil {
		p.logger.Error("connecting failed", "address", address, "error", err)
		return false
	}
	if err := conn.Auth(nil); err != nil {
		p.logger.Error("auth failed", "address", address, "error", err)
		conn.Close()
		return false
	}
	if err := conn.Hello(); err != nil {
		p.logger.Error("hello failed", "address", address, "error", err)
		conn.Close()
		return false
	}

	p.conn = conn
	p.connGen++
	p.signals = make(chan *dbus.Signal, 16)
	conn.Signal(p.signals)
	return true
}

func (p *Prompter) disconnect() {
	if p.conn == nil {
		return
	}
	conn := p.conn
	p.conn = nil
	p.connGen++
	if p.signals != nil {
		conn.RemoveSignal(p.signals)
		close(p.signals)
		p.signals = nil
	}
	go conn.Close()
}

/* ------------------------------------------------------------------------- *
 * caller-disconnect watching
 * ------------------------------------------------------------------------- */

// nameWatcher tracks one watched caller bus name: it fires notifyNameLost
// once that name either drops off the bus (NameOwnerChanged with no new
// owner) or is found to already be gone by a race-check NameHasOwner call
// made right when the watch is set up. One watcher is shared across every
// invocation from the same sender, and it is not torn down until the name
// itself is actually lost, matching the original's accumulate-until-lost
// behavior rather than tying a watcher's lifetime to any one invocation.
type nameWatcher struct {
	prompter *Prompter
	conn     *dbus.Conn
	name     string
	signals  chan *dbus.Signal
}

func newNameWatcher(p *Prompter, conn *dbus.Conn, name string) *nameWatcher {
	w := &nameWatcher{prompter: p, conn: conn, name: name}
	w.watch()
	w.checkNameHasOwner()
	return w
}

func (w *nameWatcher) matchRule() string {
	return fmt.Sprintf("type='signal',interface='%s',member='NameOwnerChanged',arg0='%s'", dbusapi.BusIface, w.name)
}

func (w *nameWatcher) watch() {
	if call := w.conn.BusObject().Call(dbusapi.BusIface+".AddMatch", 0, w.matchRule()); call.Err != nil {
		w.prompter.logger.Warn("AddMatch failed", "name", w.name, "error", call.Err)
	}
	w.signals = make(chan *dbus.Signal, 4)
	w.conn.Signal(w.signals)
	go w.watchLoop()
	w.prompter.logger.Debug("watching for name to leave bus", "name", w.name)
}

func (w *nameWatcher) unwatch() {
	w.conn.BusObject().Call(dbusapi.BusIface+".RemoveMatch", 0, w.matchRule())
	w.conn.RemoveSignal(w.signals)
	close(w.signals)
}

func (w *nameWatcher) watchLoop() {
	for sig := range w.signals {
		if sig.Name != nameOwnerChangedSignal || len(sig.Body) < 3 {
			continue
		}
		name, _ := sig.Body[0].(string)
		if name != w.name {
			continue
		}
		newOwner, _ := sig.Body[2].(string)
		if newOwner != "" {
			continue
		}
		w.notifyNameLost()
		return
	}
}

func (w *nameWatcher) checkNameHasOwner() {
	conn := w.conn
	name := w.name
	go func() {
		var hasOwner bool
		err := conn.BusObject().Call(dbusapi.BusIface+"."+dbusapi.BusMethodNameHasOwner, 0, name).Store(&hasOwner)
		w.prompter.loop.New("prompter-nameowner-reply", 0, 0, func() {
			if w.prompter.watchers[name] != w {
				return // unwatched (or replaced) since the call was issued
			}
			if err != nil {
				w.prompter.logger.Error("NameHasOwner failed", "name", name, "error", err)
				return
			}
			if !hasOwner {
				w.notifyNameLost()
			}
		}).Schedule()
	}()
}

func (w *nameWatcher) notifyNameLost() {
	p := w.prompter
	name := w.name
	p.loop.New("prompter-name-lost", 0, 0, func() {
		p.handleNameLost(name)
	}).Schedule()
}

func (p *Prompter) watchName(conn *dbus.Conn, name string) {
	if conn == nil {
		return
	}
	if _, ok := p.watchers[name]; ok {
		return
	}
	p.watchers[name] = newNameWatcher(p, conn, name)
}

func (p *Prompter) unwatchName(name string) {
	if w, ok := p.watchers[name]; ok {
		delete(p.watchers, name)
		w.unwatch()
	}
}

// handleNameLost cancels or drops every call from name, replying
// Disconnected to each.
func (p *Prompter) handleNameLost(name string) {
	p.unwatchName(name)

	if p.current != nil && p.current.Sender() == name {
		inv := p.current
		p.current = nil
		p.setPromptCanceled(true)
		inv.Fail(dbusapi.NewError(dbusapi.ErrorAuthFailed, dbusapi.MessageDisconnected))
		p.evalStateLater()
	}

	var remaining []dbusapi.Invocation
	for _, inv := range p.queue {
		if inv.Sender() == name {
			inv.Fail(dbusapi.NewError(dbusapi.ErrorAuthFailed, dbusapi.MessageDisconnected))
		} else {
			remaining = append(remaining, inv)
		}
	}
	p.queue = remaining
}
