// Package keyfile wraps an INI reader/writer with the load/save/merge and
// typed-accessor semantics sailjaild needs for desktop entries, its own
// settings files, and D-Bus service files. Grounded on the original
// implementation's keyfile_* helpers (daemon/util.c), which wrap GKeyFile the
// same way this package wraps gopkg.in/ini.v1.
package keyfile

import (
	"os"
	"strconv"
	"strings"

	"github.com/sailfishos/sailjaild/internal/stringset"
	"gopkg.in/ini.v1"
)

// File is a loaded key file.
type File struct {
	raw *ini.File
}

var loadOptions = ini.LoadOptions{
	AllowNonUniqueSections: false,
	SkipUnrecognizableLines: true,
}

// New returns an empty key file.
func New() *File {
	f := ini.Empty()
	return &File{raw: f}
}

// Load reads path, returning an empty file if it does not exist. Any other
// I/O failure is returned to the caller, who is expected to log and keep
// whatever cached state it already had.
func Load(path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, err
	}
	raw, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return nil, err
	}
	return &File{raw: raw}, nil
}

// Save writes the file to path atomically: it writes to "<path>.tmp" and
// renames over the destination.
func (f *File) Save(path string) error {
	tmp := path + ".tmp"
	if err := f.raw.SaveTo(tmp); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Merge reads path and overlays every key of every group onto f, the way the
// two desktop-entry directories (or a base/overlay pair passed to kf-merge)
// are combined: the override file wins key-by-key, not whole-group.
func (f *File) Merge(path string) error {
	overlay, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return err
	}
	for _, sec := range overlay.Sections() {
		dst := f.raw.Section(sec.Name())
		for _, key := range sec.Keys() {
			dst.Key(key.Name()).SetValue(key.Value())
		}
	}
	return nil
}

// HasSection reports whether sec exists in the file.
func (f *File) HasSection(sec string) bool {
	return f.raw.HasSection(sec)
}

// Sections returns the non-default section names present in the file, in
// file order. Used to enumerate the per-appid groups of a settings file.
func (f *File) Sections() []string {
	var out []string
	for _, sec := range f.raw.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		out = append(out, sec.Name())
	}
	return out
}

// GetBool returns the boolean at sec/key, or def if absent or malformed.
func (f *File) GetBool(sec, key string, def bool) bool {
	s, ok := f.lookup(sec, key)
	if !ok {
		return def
	}
	v, err := s.Bool()
	if err != nil {
		return def
	}
	return v
}

// GetInt returns the integer at sec/key, or def if absent or malformed.
func (f *File) GetInt(sec, key string, def int) int {
	s, ok := f.lookup(sec, key)
	if !ok {
		return def
	}
	v, err := s.Int()
	if err != nil {
		return def
	}
	return v
}

// GetString returns the string at sec/key, or def if absent. An empty def of
// "" disambiguates from "key not present" the same way the original's NULL
// default does: callers that care use GetStringPresent instead.
func (f *File) GetString(sec, key, def string) string {
	s, ok := f.lookup(sec, key)
	if !ok {
		return def
	}
	return s.Value()
}

// GetStringPresent returns the raw value and whether sec/key was present at
// all, for callers (appinfo parsing) that must distinguish "absent" from "".
func (f *File) GetStringPresent(sec, key string) (string, bool) {
	s, ok := f.lookup(sec, key)
	if !ok {
		return "", false
	}
	return s.Value(), true
}

// GetStringSet decodes a semicolon-separated list at sec/key. A missing key
// yields an empty set, matching keyfile_get_stringset's never-nil contract.
func (f *File) GetStringSet(sec, key string) *stringset.Set {
	s, ok := f.lookup(sec, key)
	if !ok || s.Value() == "" {
		return stringset.New()
	}
	parts := strings.Split(s.Value(), ";")
	out := stringset.New()
	for _, p := range parts {
		if p != "" {
			out.Add(p)
		}
	}
	return out
}

func (f *File) lookup(sec, key string) (*ini.Key, bool) {
	section, err := f.raw.GetSection(sec)
	if err != nil {
		return nil, false
	}
	if !section.HasKey(key) {
		return nil, false
	}
	return section.Key(key), true
}

// SetBool sets sec/key to a boolean value.
func (f *File) SetBool(sec, key string, val bool) {
	if val {
		f.section(sec).Key(key).SetValue("true")
	} else {
		f.section(sec).Key(key).SetValue("false")
	}
}

// SetInt sets sec/key to an integer value.
func (f *File) SetInt(sec, key string, val int) {
	f.section(sec).Key(key).SetValue(strconv.Itoa(val))
}

// SetString sets sec/key to a string value.
func (f *File) SetString(sec, key, val string) {
	f.section(sec).Key(key).SetValue(val)
}

// SetStringSet serializes a set as a semicolon-separated list. An empty set
// serializes as the literal empty string, since ini.v1 (like most INI
// libraries) has no native way to represent a zero-length list distinctly
// from an absent key.
func (f *File) SetStringSet(sec, key string, val *stringset.Set) {
	f.section(sec).Key(key).SetValue(strings.Join(val.ToSlice(), ";"))
}

func (f *File) section(sec string) *ini.Section {
	s, err := f.raw.GetSection(sec)
	if err == nil {
		return s
	}
	s, _ = f.raw.NewSection(sec)
	return s
}
