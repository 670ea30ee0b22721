// Package reconcile performs the one-time full sweep that brings the
// destination tree up to date before live watching starts. A walker
// goroutine enumerates the source tree and feeds file tasks to a small
// worker pool, which applies the metadata comparison and copies what
// differs. The sweep is fail-fast: the first copy or comparison failure
// aborts it, since starting the live phase over an inconsistent baseline
// would silently diverge the mirror.
package reconcile

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/fsmirror/fsmirror/pkg/exclude"
	"github.com/fsmirror/fsmirror/pkg/fsops"
	"github.com/fsmirror/fsmirror/pkg/mlog"
	"github.com/fsmirror/fsmirror/pkg/pathmap"
)

// DefaultWorkers is the worker-pool size when the configuration does not
// override it. The sweep is I/O bound; a small pool keeps disks busy without
// drowning them in seeks.
const DefaultWorkers = 4

// task carries everything a worker needs so it never re-stats the source.
type task struct {
	absPath string
	info    fs.FileInfo
}

// Result summarizes a completed sweep.
type Result struct {
	Scanned int64 // regular files considered
	Copied  int64 // files actually copied
	Skipped int64 // files already up to date
}

// Reconciler sweeps the source tree once.
type Reconciler struct {
	mapper   pathmap.Mapper
	exec     *fsops.Executor
	excludes exclude.Matcher
	workers  int
}

// New returns a Reconciler. workers falls back to DefaultWorkers when
// non-positive.
func New(mapper pathmap.Mapper, exec *fsops.Executor, excludes exclude.Matcher, workers int) *Reconciler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Reconciler{mapper: mapper, exec: exec, excludes: excludes, workers: workers}
}

// Run walks the full source tree and copies every regular file whose
// destination counterpart is missing or out of date. Per-entry walker errors
// are logged and skipped; copy and comparison failures abort the sweep.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	source := r.mapper.Source()
	mlog.Info("Initial reconciliation started", "source", source, "destination", r.mapper.Destination())

	var result Result
	tasks := make(chan task, r.workers*2)

	g, ctx := errgroup.WithContext(ctx)

	// Producer: walk the source tree.
	g.Go(func() error {
		defer close(tasks)
		return r.walk(ctx, tasks)
	})

	// Consumers: compare and copy.
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			for t := range tasks {
				atomic.AddInt64(&result.Scanned, 1)
				needed, err := r.exec.NeedsCopy(t.absPath, t.info)
				if err != nil {
					return err
				}
				if !needed {
					atomic.AddInt64(&result.Skipped, 1)
					continue
				}
				if err := r.exec.Copy(t.absPath); err != nil {
					return err
				}
				atomic.AddInt64(&result.Copied, 1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}

	mlog.Info("Initial reconciliation finished",
		"scanned", result.Scanned, "copied", result.Copied, "skipped", result.Skipped)
	return result, nil
}

// walk enumerates the source tree. Directories are not separately
// synchronized: their destination counterparts are created lazily the first
// time a file inside them is copied.
func (r *Reconciler) walk(ctx context.Context, tasks chan<- task) error {
	return filepath.WalkDir(r.mapper.Source(), func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			mlog.Warn("Error accessing path, skipping", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := r.mapper.Rel(path)
		if relErr != nil {
			// Should not happen for paths produced by walking the source root.
			mlog.Warn("Could not relativize path, skipping", "path", path, "error", relErr)
			return nil
		}
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if r.excludes.Match(rel, true) {
				mlog.Info("SKIPDIR", "reason", "excluded by pattern", "dir", rel)
				return filepath.SkipDir
			}
			return nil
		}
		if r.excludes.Match(rel, false) {
			mlog.Info("SKIP", "reason", "excluded by pattern", "file", rel)
			return nil
		}

		if !d.Type().IsRegular() {
			mlog.Info("SKIP", "type", d.Type().String(), "path", rel)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			mlog.Warn("Failed to get file info, skipping", "path", path, "error", err)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case tasks <- task{absPath: path, info: info}:
			return nil
		}
	})
}
