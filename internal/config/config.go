// Package config provides a read-only merged view of the numbered config
// files under pathutil.ConfigDirectory. Grounded on daemon/config.c, which
// globs "[0-9][0-9]*.conf" and merges them key-by-key, in sorted filename
// order, into one GKeyFile; later files win.
package config

import (
	"path/filepath"
	"sort"

	"github.com/sailfishos/sailjaild/internal/keyfile"
	"github.com/sailfishos/sailjaild/internal/pathutil"
	"github.com/sailfishos/sailjaild/internal/stringset"
)

// Config is an immutable, merged view of the configuration directory as of
// the last Reload.
type Config struct {
	file *keyfile.File
}

// Load globs and merges pathutil.ConfigDirectory once, returning the merged
// view. A missing directory or unreadable file yields an empty Config rather
// than an error, matching config_load's "best effort" semantics.
func Load() *Config {
	c := &Config{}
	c.Reload()
	return c
}

// Reload re-globs and re-merges the configuration directory in place.
func (c *Config) Reload() {
	merged := keyfile.New()
	paths, _ := filepath.Glob(filepath.Join(pathutil.ConfigDirectory, "[0-9][0-9]*"+pathutil.ConfigExtension))
	sort.Strings(paths)
	for _, p := range paths {
		_ = merged.Merge(p)
	}
	c.file = merged
}

// Bool returns the boolean at sec/key, or def if absent.
func (c *Config) Bool(sec, key string, def bool) bool {
	return c.file.GetBool(sec, key, def)
}

// Int returns the integer at sec/key, or def if absent.
func (c *Config) Int(sec, key string, def int) int {
	return c.file.GetInt(sec, key, def)
}

// String returns the string at sec/key, or def if absent.
func (c *Config) String(sec, key, def string) string {
	return c.file.GetString(sec, key, def)
}

// StringSet returns the semicolon-separated list at sec/key (empty set if
// absent).
func (c *Config) StringSet(sec, key string) *stringset.Set {
	return c.file.GetStringSet(sec, key)
}

// Allowlisted returns the Autogrant policy configured for appid under the
// [Allowlist] section, as a raw lower-case string ("default"/"always"/
// "launch"); callers translate it to settings.Autogrant.
func (c *Config) Allowlisted(appid string) string {
	return c.file.GetString(pathutil.AllowlistSection, appid, "default")
}

// DefaultProfilePermissions returns the permission set legacy (non-sailjail)
// applications get under the [Default Profile] section.
func (c *Config) DefaultProfilePermissions() *stringset.Set {
	return c.StringSet(pathutil.DefaultProfileSection, pathutil.SailjailPermissions)
}

// DefaultProfileEnabled reports whether compatibility-mode launching is
// enabled for legacy applications at all.
func (c *Config) DefaultProfileEnabled() bool {
	return c.Bool(pathutil.DefaultProfileSection, pathutil.DefaultProfileEnabled, false)
}

// UsersUIDRange returns the accepted uid range from [Users] and the
// distinguished guest uid, defaulting to sane desktop values if unset.
func (c *Config) UsersUIDRange() (min, max, guest int) {
	min = c.Int("Users", "UID_MIN", 100000)
	max = c.Int("Users", "UID_MAX", 199999)
	guest = c.Int("Users", "UID_GUEST", 62000)
	return min, max, guest
}
