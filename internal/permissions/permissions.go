// Package permissions tracks the set of permission names currently
// available on the system, grounded on the original's daemon/permissions.c.
package permissions

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/sailfishos/sailjaild/internal/debounce"
	"github.com/sailfishos/sailjaild/internal/later"
	"github.com/sailfishos/sailjaild/internal/pathutil"
	"github.com/sailfishos/sailjaild/internal/stringset"
)

const rescanDelay = 1000 * time.Millisecond

// ChangeNotifier is the non-owning back-reference to Control.
type ChangeNotifier interface {
	OnPermissionsChanged()
}

// Permissions is the set of permission names currently available, derived
// from the `*.permission` files under the permissions directory, always
// including "Privileged" and never including "Base".
type Permissions struct {
	notifier    ChangeNotifier
	loop        *later.Loop
	logger      hclog.Logger
	initialized bool

	current *stringset.Set

	watcher *fsnotify.Watcher
	rescan  *debounce.Timer
}

// New creates the Permissions component, starts its directory watch, and
// performs an initial synchronous scan.
func New(notifier ChangeNotifier, loop *later.Loop, logger hclog.Logger) *Permissions {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("permissions")
	logger.Info("create")

	p := &Permissions{
		notifier: notifier,
		loop:     loop,
		logger:   logger,
		current:  stringset.New(),
	}
	p.rescan = debounce.New(loop, rescanDelay, func() {
		if p.scanNow() {
			p.notifyChanged()
		}
	})

	p.startMonitor()
	p.scanNow()
	p.initialized = true
	return p
}

// Close stops the directory watch.
func (p *Permissions) Close() {
	p.logger.Info("delete")
	p.rescan.Cancel()
	if p.watcher != nil {
		p.watcher.Close()
		p.watcher = nil
	}
}

// Available returns the currently available permission names, draining any
// pending rescan synchronously first.
func (p *Permissions) Available() *stringset.Set {
	if p.rescan.Cancel() {
		p.scanNow()
	}
	return p.current
}

func (p *Permissions) notifyChanged() {
	if p.initialized && p.notifier != nil {
		p.logger.Info("notify")
		p.notifier.OnPermissionsChanged()
	}
}

func (p *Permissions) startMonitor() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn("failed to create watcher", "error", err)
		return
	}
	if err := w.Add(pathutil.PermissionsDirectory); err != nil {
		p.logger.Warn("failed to watch directory", "dir", pathutil.PermissionsDirectory, "error", err)
	} else {
		p.logger.Info("started")
	}
	p.watcher = w
	go p.watchLoop(w)
}

func (p *Permissions) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !matchesPermissionPattern(ev.Name) {
				continue
			}
			p.logger.Info("trigger", "path", ev.Name)
			p.loop.New("permissions-monitor-event", 0, 0, func() {
				p.rescan.Trigger()
			}).Schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.logger.Warn("watch error", "error", err)
		}
	}
}

// matchesPermissionPattern reports whether the base name looks like a
// permission file: an upper-case first letter, the ".permission" suffix.
func matchesPermissionPattern(path string) bool {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, pathutil.PermissionsExtension) {
		return false
	}
	stem := strings.TrimSuffix(base, pathutil.PermissionsExtension)
	return stem != "" && stem[0] >= 'A' && stem[0] <= 'Z'
}

// scanNow rebuilds the current set from the directory and reports whether
// it changed.
func (p *Permissions) scanNow() bool {
	p.rescan.Cancel()
	p.logger.Info("rescan: executing")

	matches, err := filepath.Glob(filepath.Join(pathutil.PermissionsDirectory, "*"+pathutil.PermissionsExtension))
	if err != nil {
		return false
	}

	scanned := stringset.New()
	scanned.Add(pathutil.PermissionPrivileged)
	for _, m := range matches {
		name := pathutil.ToPermissionName(m)
		if name != "" && name[0] >= 'A' && name[0] <= 'Z' {
			scanned.Add(name)
		}
	}
	scanned.Remove(pathutil.PermissionBase)

	added := scanned.FilterOut(p.current)
	removed := p.current.FilterOut(scanned)
	changed := !added.Empty() || !removed.Empty()

	if !added.Empty() {
		p.logger.Info("rescan: added", "permissions", added.ToJoinedString())
	}
	if !removed.Empty() {
		p.logger.Info("rescan: removed", "permissions", removed.ToJoinedString())
	}

	if changed {
		p.current.Swap(scanned)
	}
	return changed
}
