// Command sailjailctl is a small read-only/administrative D-Bus client for
// sailjaild, grounded on the original's sailjailclient.c. It is not a
// privileged client itself: the daemon performs its own peer credential
// check (see internal/service) for the write-side subcommand.
package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/godbus/dbus"

	"github.com/sailfishos/sailjaild/internal/dbusapi"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sailjailctl: unable to connect to the system bus: %v\n", err)
		return 1
	}
	defer conn.Close()

	obj := conn.Object(dbusapi.ServiceName, dbus.ObjectPath(dbusapi.ServiceObject))

	var cmdErr error
	switch args[0] {
	case "list":
		cmdErr = cmdList(obj)
	case "info":
		cmdErr = cmdInfo(obj, args[1:])
	case "allow":
		cmdErr = cmdAllow(obj, args[1:])
	case "granted":
		cmdErr = cmdGranted(obj, args[1:])
	default:
		usage()
		return 2
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "sailjailctl: %v\n", cmdErr)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: sailjailctl <command> [arguments]

commands:
  list                                   list known application ids
  info <appid>                           print an application's parsed desktop entry
  allow <uid> <appid> <always|never|unset>  set an application's launch permission for a user
  granted <uid> <appid>                  print the permissions currently granted to an application`)
}

func cmdList(obj dbus.BusObject) error {
	var apps []string
	if err := obj.Call(dbusapi.ServiceIface+"."+dbusapi.MethodGetApplications, 0).Store(&apps); err != nil {
		return err
	}
	sort.Strings(apps)
	for _, app := range apps {
		fmt.Println(app)
	}
	return nil
}

func cmdInfo(obj dbus.BusObject, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: sailjailctl info <appid>")
	}
	var info map[string]dbus.Variant
	if err := obj.Call(dbusapi.ServiceIface+"."+dbusapi.MethodGetAppInfo, 0, args[0]).Store(&info); err != nil {
		return err
	}

	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%v\n", k, info[k].Value())
	}
	return nil
}

func cmdAllow(obj dbus.BusObject, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: sailjailctl allow <uid> <appid> <always|never|unset>")
	}
	uid, err := parseUID(args[0])
	if err != nil {
		return err
	}
	allowed, err := parseAllowed(args[2])
	if err != nil {
		return err
	}
	return obj.Call(dbusapi.ServiceIface+"."+dbusapi.MethodSetLaunchable, 0, uid, args[1], allowed).Err
}

func cmdGranted(obj dbus.BusObject, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: sailjailctl granted <uid> <appid>")
	}
	uid, err := parseUID(args[0])
	if err != nil {
		return err
	}
	var granted []string
	if err := obj.Call(dbusapi.ServiceIface+"."+dbusapi.MethodGetGranted, 0, uid, args[1]).Store(&granted); err != nil {
		return err
	}
	sort.Strings(granted)
	for _, perm := range granted {
		fmt.Println(perm)
	}
	return nil
}

func parseUID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uid %q: %w", s, err)
	}
	return uint32(v), nil
}

// parseAllowed translates the CLI's human-readable spelling into the same
// 0/1/2 encoding settings.Allowed uses on the bus.
func parseAllowed(s string) (int32, error) {
	switch s {
	case "unset":
		return 0, nil
	case "always":
		return 1, nil
	case "never":
		return 2, nil
	default:
		return 0, fmt.Errorf("invalid state %q, want always|never|unset", s)
	}
}
