package service

import (
	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"

	"github.com/sailfishos/sailjaild/internal/appinfo"
	"github.com/sailfishos/sailjaild/internal/dbusapi"
)

// introspectNode describes the org.sailfishos.sailjaild1 interface for
// Introspectable clients (sailjailctl, d-feet, busctl), grounded on the
// original implementation's introspect_xml in daemon/service.c.
func introspectNode() *introspect.Node {
	arg := func(name, sig, direction string) introspect.Arg {
		return introspect.Arg{Name: name, Type: sig, Direction: direction}
	}
	in := func(name, sig string) introspect.Arg { return arg(name, sig, "in") }
	out := func(name, sig string) introspect.Arg { return arg(name, sig, "out") }

	return &introspect.Node{
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: dbusapi.ServiceIface,
				Methods: []introspect.Method{
					{Name: dbusapi.MethodGetApplications, Args: []introspect.Arg{out("applications", "as")}},
					{Name: dbusapi.MethodGetAppInfo, Args: []introspect.Arg{in("application", "s"), out("info", "a{sv}")}},
					{Name: dbusapi.MethodGetLicense, Args: []introspect.Arg{in("uid", "u"), in("application", "s"), out("agreed", "i")}},
					{Name: dbusapi.MethodSetLicense, Args: []introspect.Arg{in("uid", "u"), in("application", "s"), in("agreed", "i")}},
					{Name: dbusapi.MethodGetLaunchable, Args: []introspect.Arg{in("uid", "u"), in("application", "s"), out("allowed", "i")}},
					{Name: dbusapi.MethodSetLaunchable, Args: []introspect.Arg{in("uid", "u"), in("application", "s"), in("allowed", "i")}},
					{Name: dbusapi.MethodGetGranted, Args: []introspect.Arg{in("uid", "u"), in("application", "s"), out("permissions", "as")}},
					{Name: dbusapi.MethodSetGranted, Args: []introspect.Arg{in("uid", "u"), in("application", "s"), in("permissions", "as")}},
					{Name: dbusapi.MethodPrompt, Args: []introspect.Arg{in("application", "s"), out("permissions", "as")}},
					{Name: dbusapi.MethodQuery, Args: []introspect.Arg{in("application", "s"), out("permissions", "as")}},
				},
				Signals: []introspect.Signal{
					{Name: dbusapi.SignalAppAdded, Args: []introspect.Arg{out("application", "s")}},
					{Name: dbusapi.SignalAppChanged, Args: []introspect.Arg{out("application", "s")}},
					{Name: dbusapi.SignalAppRemoved, Args: []introspect.Arg{out("application", "s")}},
				},
			},
		},
	}
}

// appinfoToVariant renders an AppInfo the same way the original's
// appinfo_to_variant does: desktop-entry keys, Maemo D-Bus activation keys
// and sailjail-specific keys, each omitted when empty except for the
// always-present NoDisplay flag and Permissions set.
func appinfoToVariant(info *appinfo.AppInfo) map[string]dbus.Variant {
	v := make(map[string]dbus.Variant)
	addString := func(key, value string) {
		if value != "" {
			v[key] = dbus.MakeVariant(value)
		}
	}

	addString("Id", info.ID)
	addString("Mode", info.Mode.String())

	addString("Name", info.Name)
	addString("Type", info.Type)
	addString("Icon", info.Icon)
	addString("Exec", info.Exec)
	v["NoDisplay"] = dbus.MakeVariant(info.NoDisplay)

	addString("X-Maemo-Service", info.Service)
	addString("X-Maemo-Object-Path", info.ObjectPath)
	addString("X-Maemo-Method", info.Method)

	addString("OrganizationName", info.OrganizationName)
	addString("ApplicationName", info.ApplicationName)
	addString("ExecDBus", info.ExecDBus)
	addString("DataDirectory", info.DataDirectory)
	v["Permissions"] = dbus.MakeVariant(info.Effective.ToSortedSlice())

	return v
}
