// Package applications maintains the table of AppInfo records reflecting
// the two desktop-entry directories, grounded on the original
// implementation's daemon/applications.c.
package applications

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/sailfishos/sailjaild/internal/appinfo"
	"github.com/sailfishos/sailjaild/internal/config"
	"github.com/sailfishos/sailjaild/internal/debounce"
	"github.com/sailfishos/sailjaild/internal/later"
	"github.com/sailfishos/sailjaild/internal/pathutil"
	"github.com/sailfishos/sailjaild/internal/stringset"
)

const rescanDelay = 1000 * time.Millisecond

// ChangeNotifier is the non-owning back-reference to Control used to route
// applications-changed notifications upward.
type ChangeNotifier interface {
	OnApplicationsChanged(changed map[string]bool)
}

// Applications is the set of valid AppInfos reflecting the primary and
// override desktop-entry directories.
type Applications struct {
	notifier    ChangeNotifier
	cfg         *config.Config
	loop        *later.Loop
	logger      hclog.Logger
	initialized bool

	available *stringset.Set
	table     map[string]*appinfo.AppInfo

	watcher *fsnotify.Watcher
	rescan  *debounce.Timer
}

// New creates the Applications component, starts its directory watches, and
// performs an initial synchronous scan.
func New(notifier ChangeNotifier, cfg *config.Config, loop *later.Loop, logger hclog.Logger) *Applications {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("applications")
	logger.Info("create")

	a := &Applications{
		notifier:  notifier,
		cfg:       cfg,
		loop:      loop,
		logger:    logger,
		available: stringset.New(),
		table:     make(map[string]*appinfo.AppInfo),
	}
	a.rescan = debounce.New(loop, rescanDelay, a.scanNow)

	a.startMonitor()
	a.scanNow()
	a.initialized = true
	return a
}

// Close stops the directory watches.
func (a *Applications) Close() {
	a.logger.Info("delete")
	a.rescan.Cancel()
	if a.watcher != nil {
		a.watcher.Close()
		a.watcher = nil
	}
}

// Available returns the currently valid application ids, draining any
// pending rescan synchronously first.
func (a *Applications) Available() *stringset.Set {
	if a.rescan.Cancel() {
		a.scanNow()
	}
	return a.available
}

// AppInfo looks up appname, returning nil for unknown or invalid entries;
// removed/invalid placeholders are not exposed outside this package.
func (a *Applications) AppInfo(appname string) *appinfo.AppInfo {
	info := a.table[appname]
	if info != nil && info.State == appinfo.Valid {
		return info
	}
	return nil
}

// Rethink recomputes every tracked AppInfo's effective permissions against
// the currently available permission set, and notifies upward if any
// changed.
func (a *Applications) Rethink(availablePermissions *stringset.Set) map[string]bool {
	changed := make(map[string]bool)
	for id, info := range a.table {
		if info.RecomputeEffective(availablePermissions) {
			changed[id] = true
		}
	}
	if len(changed) > 0 {
		a.notifyChanged(changed)
	}
	return changed
}

func (a *Applications) notifyChanged(changed map[string]bool) {
	if a.initialized && a.notifier != nil {
		a.notifier.OnApplicationsChanged(changed)
	}
}

func (a *Applications) startMonitor() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		a.logger.Warn("failed to create watcher", "error", err)
		return
	}
	for _, dir := range []string{pathutil.ApplicationsDirectory, pathutil.SailjailAppDirectory} {
		if err := w.Add(dir); err != nil {
			a.logger.Warn("failed to watch directory", "dir", dir, "error", err)
			continue
		}
		a.logger.Info("started", "dir", dir)
	}
	a.watcher = w
	go a.watchLoop(w)
}

func (a *Applications) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !matchesDesktopPattern(ev.Name) {
				continue
			}
			a.logger.Info("trigger", "path", ev.Name)
			a.loop.New("applications-monitor-event", 0, 0, func() {
				a.rescan.Trigger()
			}).Schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			a.logger.Warn("watch error", "error", err)
		}
	}
}

func matchesDesktopPattern(path string) bool {
	ok, _ := filepath.Match("*"+pathutil.ApplicationsExtension, filepath.Base(path))
	return ok
}

func scanDir(dir string) map[string]bool {
	out := make(map[string]bool)
	matches, _ := filepath.Glob(filepath.Join(dir, "*"+pathutil.ApplicationsExtension))
	for _, m := range matches {
		out[pathutil.ToDesktopName(m)] = true
	}
	return out
}

func (a *Applications) scanNow() {
	a.rescan.Cancel()
	a.logger.Info("rescan: executing")

	scanned := scanDir(pathutil.ApplicationsDirectory)
	for id := range scanDir(pathutil.SailjailAppDirectory) {
		scanned[id] = true
	}

	changed := make(map[string]bool)

	for id := range a.table {
		if !scanned[id] {
			changed[id] = true
		}
	}
	for id := range changed {
		a.logger.Debug("rescan: remove", "id", id)
		delete(a.table, id)
	}

	for id := range scanned {
		info, ok := a.table[id]
		if !ok {
			info = appinfo.New(id)
			a.table[id] = info
		}
		if info.Parse(a.cfg) {
			changed[id] = true
		}
	}

	a.available.Clear()
	for id, info := range a.table {
		if info.State == appinfo.Valid {
			a.available.Add(id)
		}
	}

	if len(changed) > 0 {
		a.notifyChanged(changed)
	}
}
