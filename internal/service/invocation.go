package service

import (
	"os"
	"sync"

	"github.com/godbus/dbus"

	"github.com/sailfishos/sailjaild/internal/dbusapi"
)

// dbusInvocation implements dbusapi.Invocation on top of a real D-Bus call
// that resolveLaunchPermissions has decided to queue for prompting. The
// calling goroutine (one of godbus's per-call dispatch goroutines) blocks
// on done until Prompter replies or fails it, which stands in for holding
// a GDBusMethodInvocation open across an arbitrary wait.
type dbusInvocation struct {
	sender string
	conn   *dbus.Conn
	app    string

	once sync.Once
	done chan invocationResult
}

type invocationResult struct {
	granted []string
	err     *dbusapi.Error
}

func newDBusInvocation(sender string, conn *dbus.Conn, app string) *dbusInvocation {
	return &dbusInvocation{
		sender: sender,
		conn:   conn,
		app:    app,
		done:   make(chan invocationResult, 1),
	}
}

func (i *dbusInvocation) Sender() string         { return i.sender }
func (i *dbusInvocation) Connection() *dbus.Conn { return i.conn }
func (i *dbusInvocation) App() string            { return i.app }

func (i *dbusInvocation) Reply(permissions []string) {
	i.once.Do(func() { i.done <- invocationResult{granted: permissions} })
}

func (i *dbusInvocation) Fail(err *dbusapi.Error) {
	i.once.Do(func() { i.done <- invocationResult{err: err} })
}

// readable reports whether path can be opened for reading, the Go stand-in
// for access(path, R_OK) == 0. Duplicated from appinfo/prompter's own tiny
// helper rather than factored out, since it is a three-line os.Open/Close
// idiom, not a shared abstraction worth a dependency between packages.
func readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
