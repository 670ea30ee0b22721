// Package preflight validates the mirror destination before any data moves.
// The checks are stateless apart from a short-lived write probe: they catch
// the common misconfigurations (unmounted external drive, read-only target)
// with clearer errors than letting the first copy fail.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsmirror/fsmirror/pkg/mlog"
)

// lowSpaceThreshold is the free-space level below which an advisory warning
// is logged. The mirror does not know ahead of time how much it will copy,
// so this is a heads-up, not a hard limit.
const lowSpaceThreshold = 512 * 1024 * 1024 // 512 MiB

// CheckDestination validates that destination is a usable mirror target.
//
// The checks are:
//  1. The path exists and is a directory.
//  2. The directory is writable (probed with a temporary file).
//  3. Unless allowSystemDrive is set, the path does not silently resolve to
//     the system disk, which happens when an external drive is unmounted but
//     its mount point directory still exists.
//  4. Free space on the destination volume is inspected; running low is
//     logged as a warning but does not fail the check.
func CheckDestination(destination string, allowSystemDrive bool) error {
	info, err := os.Stat(destination)
	if err != nil {
		return fmt.Errorf("cannot access destination path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("destination path exists but is not a directory: %s", destination)
	}

	if err := probeWritable(destination); err != nil {
		return err
	}

	if !allowSystemDrive {
		if err := platformValidateMountPoint(destination); err != nil {
			return err
		}
	}

	if free, err := freeBytes(destination); err != nil {
		mlog.Debug("Could not determine free space", "path", destination, "error", err)
	} else if free < lowSpaceThreshold {
		mlog.Warn("Destination volume is low on space", "path", destination, "freeBytes", free)
	}

	return nil
}

// probeWritable confirms the destination accepts writes by creating and
// removing a temporary file.
func probeWritable(destination string) error {
	probe, err := os.CreateTemp(destination, ".fsmirror-preflight-*")
	if err != nil {
		return fmt.Errorf("destination is not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("could not clean up preflight probe %s: %w", name, err)
	}
	return nil
}

// CheckSourceDestinationDistinct rejects configurations where one root is
// nested inside the other. Mirroring into a subdirectory of the source would
// feed the mirror its own output; mirroring a parent into a child recurses
// forever.
func CheckSourceDestinationDistinct(source, destination string) error {
	src := filepath.Clean(source)
	dst := filepath.Clean(destination)
	if src == dst {
		return fmt.Errorf("source and destination are the same directory: %s", src)
	}
	if isAncestor(src, dst) {
		return fmt.Errorf("destination %s lies inside source %s", dst, src)
	}
	if isAncestor(dst, src) {
		return fmt.Errorf("source %s lies inside destination %s", src, dst)
	}
	return nil
}

// isAncestor reports whether child lies strictly below parent.
func isAncestor(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
