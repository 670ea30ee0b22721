// Package mirror translates classified change notifications into destination
// file operations. Its core is a single-slot state machine that correlates
// the two halves of a rename transaction; everything else maps directly onto
// copy and remove operations.
package mirror

import (
	"context"
	"fmt"
	"slices"

	"github.com/fsmirror/fsmirror/pkg/mlog"
	"github.com/fsmirror/fsmirror/pkg/watch"
)

// Executor is the destination-side operation surface the translator drives.
// *fsops.Executor satisfies it; tests substitute a recorder.
type Executor interface {
	Copy(src string) error
	Remove(src string) error
	Rename(oldPath, newPath string) error
}

// SkipFunc reports whether a notification path should be ignored, e.g.
// because it matches an exclusion pattern. A nil SkipFunc skips nothing.
type SkipFunc func(path string) bool

type state int

const (
	stateIdle state = iota
	stateAwaitingRenameTarget
)

// Translator consumes a notification stream and invokes the Executor. All
// state (the rename buffer, the current machine state) is owned by the
// single goroutine calling Run or Apply; the type is not safe for concurrent
// use and does not need to be.
type Translator struct {
	exec Executor
	skip SkipFunc

	// FailOnStreamError terminates Run with an error when the watch
	// facility reports a transport error. When false (the default) such
	// errors are logged and the loop continues.
	FailOnStreamError bool

	state         state
	pendingRename []string
}

// New returns a Translator driving exec. skip may be nil.
func New(exec Executor, skip SkipFunc) *Translator {
	return &Translator{exec: exec, skip: skip}
}

// Run processes notifications until the stream closes or ctx is canceled.
// Each notification is fully processed, including all executor calls it
// triggers, before the next is read; operations are strictly serialized.
// Transport errors reported by the stream are logged and do not terminate
// the loop unless FailOnStreamError is set.
func (t *Translator) Run(ctx context.Context, stream watch.Stream) error {
	notifications := stream.Notifications()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notifications:
			if !ok {
				mlog.Info("Notification stream closed, stopping mirror loop")
				return nil
			}
			t.Apply(n)
		case err := <-stream.Errors():
			if t.FailOnStreamError {
				return fmt.Errorf("watch facility reported an error: %w", err)
			}
			mlog.Error("Watch facility reported an error", "error", err)
		}
	}
}

// Apply processes a single notification. Per-path operation failures are
// logged and do not abort the remaining paths of the notification.
func (t *Translator) Apply(n watch.Notification) {
	switch n.Kind {
	case watch.KindCreate, watch.KindModify:
		// Generic modifications are handled exactly like creations: copy
		// every associated path. Directory removals on some platforms emit
		// a trailing modify for the parent; the copy of a still-existing
		// parent directory is a harmless MkdirAll.
		for _, p := range t.filtered(n.Paths) {
			if err := t.exec.Copy(p); err != nil {
				mlog.Error("Failed to mirror change", "path", p, "error", err)
			}
		}

	case watch.KindRemove:
		for _, p := range t.filtered(n.Paths) {
			if err := t.exec.Remove(p); err != nil {
				mlog.Error("Failed to mirror removal", "path", p, "error", err)
			}
		}

	case watch.KindRenameFrom:
		if t.state == stateAwaitingRenameTarget {
			// A new rename transaction begins before the previous one was
			// resolved; the stale buffer is replaced outright.
			mlog.Warn("Discarding unresolved rename transaction", "stale", t.pendingRename)
		}
		t.pendingRename = slices.Clone(n.Paths)
		t.state = stateAwaitingRenameTarget

	case watch.KindRenameTo:
		if t.state != stateAwaitingRenameTarget {
			mlog.Warn("Ignoring rename target with no pending rename", "paths", n.Paths)
			return
		}
		t.completeRename(n.Paths)

	default:
		// KindOther must not be reachable with a correct backend; surface
		// loudly instead of guessing an operation.
		mlog.Error("Unhandled notification kind", "kind", n.Kind.String(), "paths", n.Paths)
	}
}

// completeRename pairs the buffered old paths with the new paths
// positionally: old paths are visited in reverse order, each consuming one
// new path off the end of the collection. Old paths left without a partner
// are surfaced as errors and no operation is taken for them.
func (t *Translator) completeRename(newPaths []string) {
	remaining := slices.Clone(newPaths)
	for i := len(t.pendingRename) - 1; i >= 0; i-- {
		oldPath := t.pendingRename[i]
		if len(remaining) == 0 {
			mlog.Error("No rename target left for old path", "path", oldPath)
			continue
		}
		newPath := remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]

		if t.skip != nil && (t.skip(oldPath) || t.skip(newPath)) {
			mlog.Debug("Skipping excluded rename", "from", oldPath, "to", newPath)
			continue
		}
		if err := t.exec.Rename(oldPath, newPath); err != nil {
			mlog.Error("Failed to mirror rename", "from", oldPath, "to", newPath, "error", err)
		}
	}
	if len(remaining) > 0 {
		mlog.Warn("Rename targets without a matching old path", "paths", remaining)
	}
	t.pendingRename = nil
	t.state = stateIdle
}

// filtered applies the skip predicate to a path collection.
func (t *Translator) filtered(paths []string) []string {
	if t.skip == nil {
		return paths
	}
	out := paths[:0:0]
	for _, p := range paths {
		if t.skip(p) {
			mlog.Debug("Skipping excluded path", "path", p)
			continue
		}
		out = append(out, p)
	}
	return out
}
