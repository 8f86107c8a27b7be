// Package dbusapi centralizes the D-Bus names sailjaild exposes and the
// peers it calls out to, grounded on the original's daemon/service.h. It is
// leaf-level: components that speak D-Bus (Prompter, Service) import these
// names rather than redeclaring them.
package dbusapi

import (
	"fmt"

	"github.com/godbus/dbus"
)

// The bus itself: NameHasOwner / ReloadConfig live on every connection's own
// bus driver object.
const (
	BusService = "org.freedesktop.DBus"
	BusPath    = "/"
	BusIface   = "org.freedesktop.DBus"

	BusMethodReloadConfig         = "ReloadConfig"
	BusMethodNameHasOwner         = "NameHasOwner"
	BusMethodGetConnectionUnixUser = "GetConnectionUnixUser"
)

// windowprompt is the session-bus UI peer Prompter calls into to ask the
// user for a decision.
const (
	WindowPromptService       = "com.jolla.windowprompt"
	WindowPromptObject        = "/com/jolla/windowprompt"
	WindowPromptIface         = "com.jolla.windowprompt"
	WindowPromptMethodPrompt  = "newPermissionPrompt"
	WindowPromptPromptIface   = "com.jolla.windowprompt.Prompt"
	WindowPromptMethodWait    = "wait"
	WindowPromptMethodCancel  = "cancel"
)

// sailjaild's own system-bus service identity.
const (
	ServiceName   = "org.sailfishos.sailjaild1"
	ServiceIface  = "org.sailfishos.sailjaild1"
	ServiceObject = "/org/sailfishos/sailjaild1"

	MethodPrompt         = "PromptLaunchPermissions"
	MethodQuery          = "QueryLaunchPermissions"
	MethodGetApplications = "GetApplications"
	MethodGetAppInfo     = "GetAppInfo"
	MethodGetLicense     = "GetLicenseAgreed"
	MethodSetLicense     = "SetLicenseAgreed"
	MethodGetLaunchable  = "GetLaunchAllowed"
	MethodSetLaunchable  = "SetLaunchAllowed"
	MethodGetGranted     = "GetGrantedPermissions"
	MethodSetGranted     = "SetGrantedPermissions"
	MethodSetXGranted    = "SetGrantedXPermissions"

	SignalAppAdded   = "ApplicationAdded"
	SignalAppChanged = "ApplicationChanged"
	SignalAppRemoved = "ApplicationRemoved"
)

// Error reply message templates (fmt.Sprintf-style, mirroring the original's
// printf-style SERVICE_MESSAGE_* macros).
const (
	MessageInvalidApplication = "Invalid application name: %s"
	MessageInvalidUser        = "Invalid user id: %d"
	MessageInvalidPermissions = "Invalid permissions list"
	MessageDeniedPermanently  = "Denied permanently"
	MessageNotAllowed         = "Not allowed"
	MessageRestrictedMethod   = "%s is not allowed to access %s"
	MessageGuestNotLoggedIn   = "Guest user is not logged in"
	MessageDismissed          = "Dismissed"
	MessageDisconnected       = "Disconnected"
)

// Error is a D-Bus method-call failure: a D-Bus error name plus a formatted
// message, the Go-side stand-in for g_dbus_method_invocation_return_error.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Well-known org.freedesktop.DBus.Error names used throughout the API.
const (
	ErrorInvalidArgs    = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorAuthFailed     = "org.freedesktop.DBus.Error.AuthFailed"
	ErrorFailed         = "org.freedesktop.DBus.Error.Failed"
	ErrorAccessDenied   = "org.freedesktop.DBus.Error.AccessDenied"
	ErrorUnknownMethod  = "org.freedesktop.DBus.Error.UnknownMethod"
)

// NewError builds an Error with a formatted message.
func NewError(name, format string, args ...interface{}) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}

// Invocation is a pending D-Bus method call that has not replied yet: the
// Go-side stand-in for GDBusMethodInvocation. It lets a component (Prompter)
// hold a call open across an asynchronous round trip and reply to it later,
// decoupled from whatever transport actually received the call.
type Invocation interface {
	// Sender is the caller's unique bus name, watched for disconnection.
	Sender() string
	// Connection is the bus connection the call arrived on, used to watch
	// Sender for disconnection independent of any other bus connection a
	// handler might separately hold.
	Connection() *dbus.Conn
	// App is the single application id argument the call carries, or "" if
	// it could not be parsed out of the call's parameters.
	App() string
	// Reply sends a successful response.
	Reply(permissions []string)
	// Fail sends an error response.
	Fail(err *Error)
}
