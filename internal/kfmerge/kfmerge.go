// Package kfmerge implements the one-shot key-file merge operation: load a
// base file, overlay a second file onto it key-by-key-per-group, and write
// the result out atomically. It is the library half of cmd/kf-merge; the
// command itself is a few lines of flag handling around Merge.
package kfmerge

import (
	"fmt"

	"github.com/sailfishos/sailjaild/internal/keyfile"
)

// Merge loads base, overlays every key of every group from overlay on top
// (the overlay wins key-by-key, not whole-group, the same rule
// internal/applications uses to combine its two desktop-entry
// directories), and atomically writes the result to output.
func Merge(base, overlay, output string) error {
	f, err := keyfile.Load(base)
	if err != nil {
		return fmt.Errorf("load base %s: %w", base, err)
	}
	if err := f.Merge(overlay); err != nil {
		return fmt.Errorf("merge overlay %s: %w", overlay, err)
	}
	if err := f.Save(output); err != nil {
		return fmt.Errorf("save %s: %w", output, err)
	}
	return nil
}
