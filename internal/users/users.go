// Package users tracks which sandboxed-application uids currently exist on
// the system, grounded on the original's daemon/users.c.
package users

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/sailfishos/sailjaild/internal/config"
	"github.com/sailfishos/sailjaild/internal/debounce"
	"github.com/sailfishos/sailjaild/internal/later"
	"github.com/sailfishos/sailjaild/internal/pathutil"
)

const rescanDelay = 2500 * time.Millisecond

// ChangeNotifier is the non-owning back-reference to Control.
type ChangeNotifier interface {
	OnUsersChanged()
}

// Users tracks the set of uids in [UID_MIN, UID_MAX] plus the distinguished
// guest uid, derived from /etc/passwd.
type Users struct {
	notifier    ChangeNotifier
	cfg         *config.Config
	loop        *later.Loop
	logger      hclog.Logger
	initialized bool

	uidMin, uidMax, uidGuest int

	current map[int]bool

	watcher *fsnotify.Watcher
	rescan  *debounce.Timer
}

// New creates the Users component, starts its directory watch, and performs
// an initial synchronous scan.
func New(notifier ChangeNotifier, cfg *config.Config, loop *later.Loop, logger hclog.Logger) *Users {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("users")
	logger.Info("create")

	u := &Users{
		notifier: notifier,
		cfg:      cfg,
		loop:     loop,
		logger:   logger,
		current:  make(map[int]bool),
	}
	u.uidMin, u.uidMax, u.uidGuest = cfg.UsersUIDRange()
	u.rescan = debounce.New(loop, rescanDelay, func() {
		if u.scanNow() {
			u.notifyChanged()
		}
	})

	u.startMonitor()
	u.scanNow()
	u.initialized = true
	return u
}

// Close stops the directory watch.
func (u *Users) Close() {
	u.logger.Info("delete")
	u.rescan.Cancel()
	if u.watcher != nil {
		u.watcher.Close()
		u.watcher = nil
	}
}

// FirstUser returns the lower bound of the accepted uid range.
func (u *Users) FirstUser() int { return u.uidMin }

// LastUser returns the upper bound of the accepted uid range.
func (u *Users) LastUser() int { return u.uidMax }

// Exists reports whether uid is currently a tracked user, draining any
// pending rescan synchronously first.
func (u *Users) Exists(uid int) bool {
	if u.rescan.Cancel() {
		u.scanNow()
	}
	return u.current[uid]
}

// IsGuest reports whether uid is the distinguished guest account.
func (u *Users) IsGuest(uid int) bool {
	return uid == u.uidGuest
}

func (u *Users) notifyChanged() {
	if u.initialized && u.notifier != nil {
		u.logger.Info("notify")
		u.notifier.OnUsersChanged()
	}
}

func (u *Users) startMonitor() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		u.logger.Warn("failed to create watcher", "error", err)
		return
	}
	if err := w.Add(pathutil.UsersDirectory); err != nil {
		u.logger.Warn("failed to watch directory", "dir", pathutil.UsersDirectory, "error", err)
	} else {
		u.logger.Info("started")
	}
	u.watcher = w
	go u.watchLoop(w)
}

func (u *Users) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != pathutil.UsersFile {
				continue
			}
			u.logger.Info("trigger", "path", ev.Name)
			u.loop.New("users-monitor-event", 0, 0, func() {
				u.rescan.Trigger()
			}).Schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			u.logger.Warn("watch error", "error", err)
		}
	}
}

// scanNow re-reads /etc/passwd and reports whether membership changed.
func (u *Users) scanNow() bool {
	u.rescan.Cancel()
	u.logger.Info("rescan: executing")

	scanned := readPasswdUIDs(filepath.Join(pathutil.UsersDirectory, pathutil.UsersFile), u.uidMin, u.uidMax, u.uidGuest)

	changed := false
	for uid := range scanned {
		if !u.current[uid] {
			u.logger.Info("uid added", "uid", uid)
			changed = true
		}
	}
	for uid := range u.current {
		if !scanned[uid] {
			u.logger.Info("uid removed", "uid", uid)
			changed = true
		}
	}

	u.current = scanned
	return changed
}

func readPasswdUIDs(path string, uidMin, uidMax, uidGuest int) map[int]bool {
	out := make(map[int]bool)
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 3 {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		if (uid >= uidMin && uid <= uidMax) || uid == uidGuest {
			out[uid] = true
		}
	}
	return out
}
