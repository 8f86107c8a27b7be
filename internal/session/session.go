// Package session tracks the uid whose session is currently active (or
// online) at the primary seat, grounded on the original's daemon/session.c,
// which polls sd-login for the same fact.
package session

import (
	hclog "github.com/hashicorp/go-hclog"

	systemdlogin1 "github.com/coreos/go-systemd/login1"
	"github.com/godbus/dbus"

	"github.com/sailfishos/sailjaild/internal/later"
)

// UndefinedUID is returned by CurrentUser when no session is active at
// seat0.
const UndefinedUID = -1

const (
	seatPrimary    = "seat0"
	stateActive    = "active"
	stateOnline    = "online"
	managerIface   = "org.freedesktop.login1.Manager"
	sessionIface   = "org.freedesktop.login1.Session"
	loginBusName   = "org.freedesktop.login1"
	managerAddMatch = "type='signal',interface='" + managerIface + "'"
)

// ChangeNotifier is the non-owning back-reference to Control.
type ChangeNotifier interface {
	OnSessionChanged()
}

// Session tracks the active/online uid at seat0 via systemd-logind.
type Session struct {
	notifier    ChangeNotifier
	loop        *later.Loop
	logger      hclog.Logger
	initialized bool

	activeUID int

	manager *systemdlogin1.Conn
	raw     *dbus.Conn
	signals chan *dbus.Signal
}

// New creates the Session component, connects to systemd-logind, and
// performs an initial synchronous lookup.
func New(notifier ChangeNotifier, loop *later.Loop, logger hclog.Logger) *Session {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("session")
	logger.Info("create")

	s := &Session{
		notifier:  notifier,
		loop:      loop,
		logger:    logger,
		activeUID: UndefinedUID,
	}

	s.startMonitor()
	s.updateActiveUID()
	s.initialized = true
	return s
}

// Close tears down the logind connections.
func (s *Session) Close() {
	s.logger.Info("delete")
	s.stopMonitor()
}

// CurrentUser returns the last-observed active/online uid at seat0, or
// UndefinedUID if none.
func (s *Session) CurrentUser() int {
	return s.activeUID
}

func (s *Session) notifyChanged() {
	if s.initialized && s.notifier != nil {
		s.logger.Info("notify")
		s.notifier.OnSessionChanged()
	}
}

func (s *Session) startMonitor() {
	mgr, err := systemdlogin1.New()
	if err != nil {
		s.logger.Warn("failed to connect to logind", "error", err)
		return
	}
	s.manager = mgr

	raw, err := dbus.SystemBus()
	if err != nil {
		s.logger.Warn("failed to open system bus for logind signals", "error", err)
		return
	}
	if call := raw.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, managerAddMatch); call.Err != nil {
		s.logger.Warn("failed to subscribe to logind signals", "error", call.Err)
		return
	}
	s.raw = raw
	s.signals = make(chan *dbus.Signal, 16)
	raw.Signal(s.signals)
	go s.watchLoop()
	s.logger.Info("started")
}

func (s *Session) stopMonitor() {
	if s.raw != nil && s.signals != nil {
		s.raw.RemoveSignal(s.signals)
		close(s.signals)
		s.signals = nil
	}
	s.raw = nil
	s.manager = nil
}

func (s *Session) watchLoop() {
	for range s.signals {
		s.loop.New("session-monitor-event", 0, 0, s.updateActiveUID).Schedule()
	}
}

func (s *Session) updateActiveUID() {
	uid := s.seat0UID()
	if uid != s.activeUID {
		s.logger.Info("uid change", "from", s.activeUID, "to", uid)
		s.activeUID = uid
		s.notifyChanged()
	}
}

func (s *Session) seat0UID() int {
	if s.manager == nil {
		return UndefinedUID
	}
	sessions, err := s.manager.ListSessions()
	if err != nil {
		s.logger.Warn("ListSessions failed", "error", err)
		return UndefinedUID
	}
	for _, sess := range sessions {
		if sess.Seat != seatPrimary {
			continue
		}
		state, err := s.sessionState(sess.Path)
		if err != nil {
			continue
		}
		if state == stateActive || state == stateOnline {
			return int(sess.UID)
		}
	}
	return UndefinedUID
}

func (s *Session) sessionState(path dbus.ObjectPath) (string, error) {
	obj := s.raw.Object(loginBusName, path)
	variant, err := obj.GetProperty(sessionIface + ".State")
	if err != nil {
		return "", err
	}
	state, _ := variant.Value().(string)
	return state, nil
}
