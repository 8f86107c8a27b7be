// Command sailjaild is the privileged system-level daemon that mediates
// launch-time permission decisions for sandboxed desktop applications.
package main

import (
	"fmt"
	"io"
	"log/syslog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/godbus/dbus"
	hclog "github.com/hashicorp/go-hclog"
	flag "github.com/spf13/pflag"

	"github.com/sailfishos/sailjaild/internal/config"
	"github.com/sailfishos/sailjaild/internal/control"
	"github.com/sailfishos/sailjaild/internal/pathutil"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		help        bool
		showVersion bool
		verbose     int
		quiet       int
		systemdMode bool
		forceStderr bool
		forceSyslog bool
	)

	flags := flag.NewFlagSet("sailjaild", flag.ContinueOnError)
	flags.BoolVarP(&help, "help", "h", false, "show this help and exit")
	flags.BoolVarP(&showVersion, "version", "V", false, "show version and exit")
	flags.CountVarP(&verbose, "verbose", "v", "raise log verbosity (repeatable)")
	flags.CountVarP(&quiet, "quiet", "q", "lower log verbosity (repeatable)")
	flags.BoolVarP(&systemdMode, "systemd", "S", false, "running under systemd: notify readiness, log to stderr")
	flags.BoolVarP(&forceStderr, "force-stderr", "T", false, "log to stderr regardless of -S")
	flags.BoolVarP(&forceSyslog, "force-syslog", "s", false, "log to syslog regardless of -S")

	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "(use --help for instructions)")
		return 1
	}
	if help {
		fmt.Fprintln(os.Stdout, "usage: sailjaild [-hvqVSTs]")
		flags.PrintDefaults()
		return 0
	}
	if showVersion {
		fmt.Fprintln(os.Stdout, version)
		return 0
	}

	logger := newLogger(verbose, quiet, systemdMode, forceStderr, forceSyslog)

	if err := filesystemSetup(); err != nil {
		logger.Error("filesystem setup failed", "error", err)
		return 1
	}

	hub := control.New(config.Load(), logger)

	exitCode := make(chan int, 1)
	hub.SetFatalHandler(func(reason string) {
		logger.Error("fatal condition, shutting down", "reason", reason)
		select {
		case exitCode <- 1:
		default:
		}
	})

	conn, err := dbus.SystemBus()
	if err != nil {
		logger.Error("unable to connect to the system bus", "error", err)
		hub.Close()
		return 1
	}
	defer conn.Close()

	if err := hub.Attach(conn); err != nil {
		logger.Error("unable to acquire well-known name", "error", err)
		hub.Close()
		return 1
	}

	if systemdMode {
		if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logger.Warn("sd_notify failed", "error", err)
		} else if !sent {
			logger.Debug("sd_notify not supported by this invocation")
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-signals:
		logger.Info("received signal, shutting down", "signal", sig.String())
		hub.Close()
		return 0
	case code := <-exitCode:
		hub.Close()
		return code
	}
}

// filesystemSetup mirrors the original's sailjaild_filesystem_setup: create
// the settings directory if it is missing, restrict it to root, and set a
// umask so every settings file sailjaild writes afterwards is non-world-
// readable by construction.
func filesystemSetup() error {
	if fi, err := os.Stat(pathutil.SettingsDirectory); err != nil || !fi.IsDir() {
		if err := os.MkdirAll(pathutil.SettingsDirectory, 0755); err != nil {
			return fmt.Errorf("create %s: %w", pathutil.SettingsDirectory, err)
		}
	}
	if err := os.Chmod(pathutil.SettingsDirectory, 0750); err != nil {
		return fmt.Errorf("chmod %s: %w", pathutil.SettingsDirectory, err)
	}
	syscall.Umask(0027)
	return nil
}

// newLogger picks a Level from the verbose/quiet counts and a sink: syslog
// by default, stderr under -S (systemd captures stdout/stderr into the
// journal already), with -T/-s overriding either way.
func newLogger(verbose, quiet int, systemdMode, forceStderr, forceSyslog bool) hclog.Logger {
	level := hclog.Info
	for i := 0; i < verbose; i++ {
		level = stepTowards(level, hclog.Trace)
	}
	for i := 0; i < quiet; i++ {
		level = stepTowards(level, hclog.Error)
	}

	useSyslog := !systemdMode
	if forceStderr {
		useSyslog = false
	}
	if forceSyslog {
		useSyslog = true
	}

	var output io.Writer = os.Stderr
	if useSyslog {
		if w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "sailjaild"); err == nil {
			output = w
		}
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   "sailjaild",
		Level:  level,
		Output: output,
	})
}

func stepTowards(level, bound hclog.Level) hclog.Level {
	switch {
	case level < bound:
		return level + 1
	case level > bound:
		return level - 1
	default:
		return level
	}
}
