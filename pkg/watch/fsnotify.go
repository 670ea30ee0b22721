package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/fsmirror/fsmirror/pkg/mlog"
)

// notificationBuffer absorbs bursts of raw events so a slow consumer does not
// immediately stall the OS facility.
const notificationBuffer = 64

// fsnotifyStream adapts fsnotify to the Stream interface. fsnotify does not
// watch recursively on most platforms, so subdirectories are registered
// during startup and again whenever a directory creation is observed.
//
// inotify reports only the moved-from half of a rename inside the watched
// tree as a Rename op; the moved-to half arrives as a plain Create and
// cannot be correlated here. The stream therefore reports Rename ops as
// KindRemove: the Create-driven copy of the new name plus the removal of the
// old name reproduces the rename at the destination. KindRenameFrom is
// reserved for backends that deliver both halves.
type fsnotifyStream struct {
	fsw           *fsnotify.Watcher
	root          string
	recursive     bool
	notifications chan Notification
	errs          chan error
	done          chan struct{}
	closeOnce     sync.Once
}

func newFsnotifyStream(root string, recursive bool) (Stream, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	s := &fsnotifyStream{
		fsw:           fsw,
		root:          root,
		recursive:     recursive,
		notifications: make(chan Notification, notificationBuffer),
		errs:          make(chan error, 1),
		done:          make(chan struct{}),
	}

	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}
	if recursive {
		if err := s.addSubdirectories(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	go s.loop()
	return s, nil
}

// addSubdirectories registers every directory below root with the watcher.
// Per-entry walk errors are logged and skipped; they do not abort startup.
func (s *fsnotifyStream) addSubdirectories(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			mlog.Warn("Error accessing path while registering watches, skipping", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() || path == root {
			return nil
		}
		if err := s.fsw.Add(path); err != nil {
			mlog.Warn("Failed to watch directory, skipping", "path", path, "error", err)
			return filepath.SkipDir
		}
		return nil
	})
}

func (s *fsnotifyStream) loop() {
	defer close(s.notifications)

	events := s.fsw.Events
	errors := s.fsw.Errors
	for events != nil || errors != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handle(ev)
		case err, ok := <-errors:
			if !ok {
				errors = nil
				continue
			}
			select {
			case s.errs <- err:
			default:
				mlog.Warn("Dropping watch error, consumer not keeping up", "error", err)
			}
		}
	}
}

func (s *fsnotifyStream) handle(ev fsnotify.Event) {
	kind := classifyFsnotifyOp(ev.Op)

	// New directories must be registered before their contents start
	// producing events of their own.
	if kind == KindCreate && s.recursive {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if err := s.fsw.Add(ev.Name); err != nil {
				mlog.Warn("Failed to watch new directory", "path", ev.Name, "error", err)
			}
		}
	}

	// The send must not outlive the consumer: once Close has been called a
	// full buffer would otherwise wedge this goroutine forever.
	select {
	case s.notifications <- Notification{Kind: kind, Paths: []string{ev.Name}}:
	case <-s.done:
	}
}

// classifyFsnotifyOp maps an fsnotify op bitmask to a notification kind.
// Rename is checked before the modify-like bits: fsnotify may combine ops,
// and a rename must never degrade into a copy of a now-missing path. The
// moved-from half is the only half fsnotify delivers, so it classifies as a
// removal of the old name rather than an open rename transaction.
func classifyFsnotifyOp(op fsnotify.Op) Kind {
	switch {
	case op.Has(fsnotify.Rename):
		return KindRemove
	case op.Has(fsnotify.Create):
		return KindCreate
	case op.Has(fsnotify.Remove):
		return KindRemove
	case op.Has(fsnotify.Write), op.Has(fsnotify.Chmod):
		return KindModify
	default:
		return KindOther
	}
}

func (s *fsnotifyStream) Notifications() <-chan Notification { return s.notifications }
func (s *fsnotifyStream) Errors() <-chan error               { return s.errs }

func (s *fsnotifyStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.fsw.Close()
}
