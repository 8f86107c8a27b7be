// Command kf-merge offline-composes two key files the same way sailjaild
// combines overlapping desktop-entry directories: load a base file, overlay
// a second file onto it key-by-key-per-group, and write the merged result.
package main

import (
	"fmt"
	"os"

	"github.com/sailfishos/sailjaild/internal/kfmerge"
)

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: kf-merge <base> <overlay> <output>")
		os.Exit(2)
	}

	base, overlay, output := os.Args[1], os.Args[2], os.Args[3]
	if err := kfmerge.Merge(base, overlay, output); err != nil {
		fmt.Fprintf(os.Stderr, "kf-merge: %v\n", err)
		os.Exit(1)
	}
}
