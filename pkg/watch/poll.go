package watch

import (
	"fmt"
	"time"

	"github.com/radovskyb/watcher"

	"github.com/fsmirror/fsmirror/pkg/mlog"
)

// DefaultPollInterval is the scan interval of the polling backend when the
// configuration does not override it.
const DefaultPollInterval = time.Second

// pollStream adapts the radovskyb polling watcher to the Stream interface.
// Unlike inotify-style facilities it observes renames and moves with both
// paths in hand, so it emits complete rename transactions: a KindRenameFrom
// notification immediately followed by the matching KindRenameTo.
type pollStream struct {
	pw            *watcher.Watcher
	notifications chan Notification
	errs          chan error
}

func newPollStream(root string, recursive bool, interval time.Duration) (Stream, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	pw := watcher.New()
	var err error
	if recursive {
		err = pw.AddRecursive(root)
	} else {
		err = pw.Add(root)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}

	s := &pollStream{
		pw:            pw,
		notifications: make(chan Notification, notificationBuffer),
		errs:          make(chan error, 1),
	}

	go s.loop()
	go func() {
		if err := pw.Start(interval); err != nil {
			select {
			case s.errs <- fmt.Errorf("polling watcher failed to start: %w", err):
			default:
			}
			pw.Close()
		}
	}()

	return s, nil
}

func (s *pollStream) loop() {
	defer close(s.notifications)

	for {
		select {
		case ev := <-s.pw.Event:
			for _, n := range translatePollEvent(ev) {
				s.notifications <- n
			}
		case err := <-s.pw.Error:
			select {
			case s.errs <- err:
			default:
				mlog.Warn("Dropping watch error, consumer not keeping up", "error", err)
			}
		case <-s.pw.Closed:
			return
		}
	}
}

// translatePollEvent maps one polling-watcher event to zero or more
// notifications. Renames and moves expand into the two-phase transaction the
// consumer's state machine expects.
func translatePollEvent(ev watcher.Event) []Notification {
	switch ev.Op {
	case watcher.Create:
		return []Notification{{Kind: KindCreate, Paths: []string{ev.Path}}}
	case watcher.Write, watcher.Chmod:
		return []Notification{{Kind: KindModify, Paths: []string{ev.Path}}}
	case watcher.Remove:
		return []Notification{{Kind: KindRemove, Paths: []string{ev.Path}}}
	case watcher.Rename, watcher.Move:
		return []Notification{
			{Kind: KindRenameFrom, Paths: []string{ev.OldPath}},
			{Kind: KindRenameTo, Paths: []string{ev.Path}},
		}
	default:
		return []Notification{{Kind: KindOther, Paths: []string{ev.Path}}}
	}
}

func (s *pollStream) Notifications() <-chan Notification { return s.notifications }
func (s *pollStream) Errors() <-chan error               { return s.errs }

func (s *pollStream) Close() error {
	s.pw.Close()
	return nil
}
