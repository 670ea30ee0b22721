package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fsmirror/fsmirror/pkg/watch"
)

// opRecorder records executor calls in order.
type opRecorder struct {
	ops  []string
	fail map[string]error // op string -> error to return
}

func (r *opRecorder) record(op string) error {
	r.ops = append(r.ops, op)
	if err, ok := r.fail[op]; ok {
		return err
	}
	return nil
}

func (r *opRecorder) Copy(src string) error   { return r.record("copy " + src) }
func (r *opRecorder) Remove(src string) error { return r.record("remove " + src) }
func (r *opRecorder) Rename(oldPath, newPath string) error {
	return r.record(fmt.Sprintf("rename %s -> %s", oldPath, newPath))
}

func assertOps(t *testing.T, rec *opRecorder, want ...string) {
	t.Helper()
	if len(rec.ops) != len(want) {
		t.Fatalf("recorded ops = %v, want %v", rec.ops, want)
	}
	for i := range want {
		if rec.ops[i] != want[i] {
			t.Fatalf("op[%d] = %q, want %q (all: %v)", i, rec.ops[i], want[i], rec.ops)
		}
	}
}

func TestApplyCreateAndModifyCopyEveryPath(t *testing.T) {
	for _, kind := range []watch.Kind{watch.KindCreate, watch.KindModify} {
		rec := &opRecorder{}
		tr := New(rec, nil)

		tr.Apply(watch.Notification{Kind: kind, Paths: []string{"/src/a", "/src/b"}})

		assertOps(t, rec, "copy /src/a", "copy /src/b")
	}
}

func TestApplyCopyErrorDoesNotAbortRemainingPaths(t *testing.T) {
	rec := &opRecorder{fail: map[string]error{"copy /src/a": errors.New("disk full")}}
	tr := New(rec, nil)

	tr.Apply(watch.Notification{Kind: watch.KindCreate, Paths: []string{"/src/a", "/src/b"}})

	assertOps(t, rec, "copy /src/a", "copy /src/b")
}

func TestApplyRemove(t *testing.T) {
	rec := &opRecorder{}
	tr := New(rec, nil)

	tr.Apply(watch.Notification{Kind: watch.KindRemove, Paths: []string{"/src/a", "/src/b"}})

	assertOps(t, rec, "remove /src/a", "remove /src/b")
}

// Pairing is positional and reverse-consuming: old paths [a, b] with new
// paths [a2, b2] must execute rename(b, b2) first and rename(a, a2) second.
func TestRenamePairingOrder(t *testing.T) {
	rec := &opRecorder{}
	tr := New(rec, nil)

	tr.Apply(watch.Notification{Kind: watch.KindRenameFrom, Paths: []string{"/src/a", "/src/b"}})
	tr.Apply(watch.Notification{Kind: watch.KindRenameTo, Paths: []string{"/src/a2", "/src/b2"}})

	assertOps(t, rec,
		"rename /src/b -> /src/b2",
		"rename /src/a -> /src/a2",
	)
}

func TestRenameSingleFile(t *testing.T) {
	rec := &opRecorder{}
	tr := New(rec, nil)

	tr.Apply(watch.Notification{Kind: watch.KindRenameFrom, Paths: []string{"/src/old.txt"}})
	tr.Apply(watch.Notification{Kind: watch.KindRenameTo, Paths: []string{"/src/new.txt"}})

	assertOps(t, rec, "rename /src/old.txt -> /src/new.txt")
}

func TestRenameUnmatchedOldPathsTakeNoAction(t *testing.T) {
	rec := &opRecorder{}
	tr := New(rec, nil)

	tr.Apply(watch.Notification{Kind: watch.KindRenameFrom, Paths: []string{"/src/a", "/src/b", "/src/c"}})
	tr.Apply(watch.Notification{Kind: watch.KindRenameTo, Paths: []string{"/src/c2"}})

	// Only the last old path finds a partner; a and b are surfaced as
	// errors with no operation executed.
	assertOps(t, rec, "rename /src/c -> /src/c2")
	if tr.state != stateIdle {
		t.Error("translator must return to idle after an uneven pairing")
	}
}

func TestRenameToWhileIdleIsIgnored(t *testing.T) {
	rec := &opRecorder{}
	tr := New(rec, nil)

	tr.Apply(watch.Notification{Kind: watch.KindRenameTo, Paths: []string{"/src/new.txt"}})

	assertOps(t, rec)
	if tr.state != stateIdle {
		t.Error("translator must stay idle")
	}
}

func TestSecondRenameFromReplacesPendingBuffer(t *testing.T) {
	rec := &opRecorder{}
	tr := New(rec, nil)

	tr.Apply(watch.Notification{Kind: watch.KindRenameFrom, Paths: []string{"/src/stale.txt"}})
	tr.Apply(watch.Notification{Kind: watch.KindRenameFrom, Paths: []string{"/src/fresh.txt"}})
	tr.Apply(watch.Notification{Kind: watch.KindRenameTo, Paths: []string{"/src/fresh2.txt"}})

	// The stale buffer is silently dropped; only the fresh transaction runs.
	assertOps(t, rec, "rename /src/fresh.txt -> /src/fresh2.txt")
}

func TestRenameStateSurvivesInterleavedNotifications(t *testing.T) {
	rec := &opRecorder{}
	tr := New(rec, nil)

	tr.Apply(watch.Notification{Kind: watch.KindRenameFrom, Paths: []string{"/src/old.txt"}})
	tr.Apply(watch.Notification{Kind: watch.KindModify, Paths: []string{"/src/other.txt"}})
	tr.Apply(watch.Notification{Kind: watch.KindRenameTo, Paths: []string{"/src/new.txt"}})

	assertOps(t, rec,
		"copy /src/other.txt",
		"rename /src/old.txt -> /src/new.txt",
	)
}

func TestUnknownKindExecutesNothing(t *testing.T) {
	rec := &opRecorder{}
	tr := New(rec, nil)

	tr.Apply(watch.Notification{Kind: watch.KindOther, Paths: []string{"/src/a"}})

	assertOps(t, rec)
}

func TestSkipFuncFiltersPaths(t *testing.T) {
	rec := &opRecorder{}
	tr := New(rec, func(path string) bool {
		return strings.HasSuffix(path, ".tmp")
	})

	tr.Apply(watch.Notification{Kind: watch.KindCreate, Paths: []string{"/src/keep.txt", "/src/drop.tmp"}})
	tr.Apply(watch.Notification{Kind: watch.KindRemove, Paths: []string{"/src/drop.tmp"}})
	tr.Apply(watch.Notification{Kind: watch.KindRenameFrom, Paths: []string{"/src/drop.tmp"}})
	tr.Apply(watch.Notification{Kind: watch.KindRenameTo, Paths: []string{"/src/drop2.tmp"}})

	assertOps(t, rec, "copy /src/keep.txt")
}

// scriptedStream feeds a fixed sequence of notifications and then closes.
type scriptedStream struct {
	notifications chan watch.Notification
	errs          chan error
}

func newScriptedStream(errs []error, notifications ...watch.Notification) *scriptedStream {
	s := &scriptedStream{
		notifications: make(chan watch.Notification, len(notifications)),
		errs:          make(chan error, len(errs)+1),
	}
	for _, err := range errs {
		s.errs <- err
	}
	for _, n := range notifications {
		s.notifications <- n
	}
	close(s.notifications)
	return s
}

func (s *scriptedStream) Notifications() <-chan watch.Notification { return s.notifications }
func (s *scriptedStream) Errors() <-chan error                     { return s.errs }
func (s *scriptedStream) Close() error                             { return nil }

func TestRunStopsWhenStreamCloses(t *testing.T) {
	rec := &opRecorder{}
	tr := New(rec, nil)
	stream := newScriptedStream(nil,
		watch.Notification{Kind: watch.KindCreate, Paths: []string{"/src/a"}},
		watch.Notification{Kind: watch.KindRemove, Paths: []string{"/src/a"}},
	)

	if err := tr.Run(context.Background(), stream); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	assertOps(t, rec, "copy /src/a", "remove /src/a")
}

func TestRunSurvivesTransportErrors(t *testing.T) {
	rec := &opRecorder{}
	tr := New(rec, nil)

	// The error is buffered ahead of the notifications; Run must log it and
	// keep consuming until the stream closes.
	stream := newScriptedStream(
		[]error{errors.New("event overflow")},
		watch.Notification{Kind: watch.KindCreate, Paths: []string{"/src/a"}},
	)

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background(), stream) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after the stream closed")
	}
	assertOps(t, rec, "copy /src/a")
}

func TestRunFailsOnTransportErrorWhenConfigured(t *testing.T) {
	rec := &opRecorder{}
	tr := New(rec, nil)
	tr.FailOnStreamError = true

	// A stream that only ever produces an error.
	stream := &scriptedStream{
		notifications: make(chan watch.Notification),
		errs:          make(chan error, 1),
	}
	stream.errs <- errors.New("event overflow")

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background(), stream) }()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "event overflow") {
			t.Fatalf("Run returned %v, want wrapped transport error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on the transport error")
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	rec := &opRecorder{}
	tr := New(rec, nil)

	// A stream that never delivers and never closes.
	blocked := &scriptedStream{
		notifications: make(chan watch.Notification),
		errs:          make(chan error),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, blocked) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not react to cancellation")
	}
}
