// Package watch abstracts the OS-level change-notification facility behind a
// narrow stream interface. Two backends are provided: an fsnotify-based
// watcher (default) and a polling watcher that reports true rename pairs.
package watch

import (
	"fmt"
	"time"
)

// Kind classifies a raw change notification.
type Kind int

const (
	// KindCreate reports newly created entries.
	KindCreate Kind = iota
	// KindModify reports generic content or metadata changes. On some
	// platforms it also fires spuriously as a side effect of directory
	// removal; consumers tolerate that rather than filter it.
	KindModify
	// KindRemove reports deleted entries.
	KindRemove
	// KindRenameFrom is the first half of a two-phase rename transaction,
	// carrying the old paths.
	KindRenameFrom
	// KindRenameTo is the second half, carrying the new paths.
	KindRenameTo
	// KindOther covers kinds the backend could not classify.
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindModify:
		return "modify"
	case KindRemove:
		return "remove"
	case KindRenameFrom:
		return "rename-from"
	case KindRenameTo:
		return "rename-to"
	default:
		return "other"
	}
}

// Notification is one classified change record with its associated paths.
// Backends may batch several paths into one record.
type Notification struct {
	Kind  Kind
	Paths []string
}

// Stream is a blocking, ordered delivery channel of notifications plus the
// transport-level errors of the underlying facility. The notification
// channel closes when the stream shuts down.
type Stream interface {
	Notifications() <-chan Notification
	Errors() <-chan error
	Close() error
}

// Backend names a watch implementation.
type Backend string

const (
	// BackendFsnotify uses OS change notifications (inotify, kqueue, ...).
	BackendFsnotify Backend = "fsnotify"
	// BackendPoll uses a polling watcher. Slower to react, but it reports
	// rename transactions with both the old and the new path.
	BackendPoll Backend = "poll"
)

// BackendFromString validates a configuration string.
func BackendFromString(s string) (Backend, error) {
	switch Backend(s) {
	case BackendFsnotify, BackendPoll:
		return Backend(s), nil
	default:
		return "", fmt.Errorf("unknown watch backend %q (want 'fsnotify' or 'poll')", s)
	}
}

// Open starts watching root with the selected backend. When recursive is
// true the whole tree below root is watched.
func Open(backend Backend, root string, recursive bool, pollInterval time.Duration) (Stream, error) {
	switch backend {
	case BackendPoll:
		return newPollStream(root, recursive, pollInterval)
	case BackendFsnotify:
		return newFsnotifyStream(root, recursive)
	default:
		return nil, fmt.Errorf("unknown watch backend %q", backend)
	}
}
