// Package engine wires the mirroring components together and drives a full
// run: preflight checks, the initial reconciliation sweep, and the live
// watch-and-mirror loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fsmirror/fsmirror/pkg/archive"
	"github.com/fsmirror/fsmirror/pkg/config"
	"github.com/fsmirror/fsmirror/pkg/exclude"
	"github.com/fsmirror/fsmirror/pkg/fsops"
	"github.com/fsmirror/fsmirror/pkg/metafile"
	"github.com/fsmirror/fsmirror/pkg/mirror"
	"github.com/fsmirror/fsmirror/pkg/mlog"
	"github.com/fsmirror/fsmirror/pkg/pathmap"
	"github.com/fsmirror/fsmirror/pkg/preflight"
	"github.com/fsmirror/fsmirror/pkg/reconcile"
	"github.com/fsmirror/fsmirror/pkg/util"
	"github.com/fsmirror/fsmirror/pkg/watch"
)

// Engine orchestrates the entire mirroring process.
type Engine struct {
	config  config.Config
	version string

	mapper   pathmap.Mapper
	exec     *fsops.Executor
	excludes exclude.Matcher
}

// New creates a new mirror engine with the given configuration and version.
// The configuration must have been validated.
func New(cfg config.Config, version string) *Engine {
	mapper := pathmap.New(cfg.Source, cfg.Destination)
	window := time.Duration(cfg.Sync.ModTimeWindowSeconds) * time.Second
	return &Engine{
		config:   cfg,
		version:  version,
		mapper:   mapper,
		exec:     fsops.NewExecutor(mapper, window, cfg.Runtime.DryRun, cfg.Sync.Performance.BufferSizeKB),
		excludes: exclude.NewMatcher(cfg.Sync.ExcludeFiles(), cfg.Sync.ExcludeDirs()),
	}
}

// InitializeDestination prepares a directory as a mirror destination and
// writes a default configuration file into it.
func (e *Engine) InitializeDestination(ctx context.Context) error {
	if err := os.MkdirAll(e.config.Destination, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("could not create destination directory %s: %w", e.config.Destination, err)
	}
	if err := e.runPreflight(); err != nil {
		return err
	}
	return config.Generate(e.config)
}

// Run executes a full mirror run: preflight, reconciliation, then live
// mirroring until ctx is canceled or the notification stream ends.
// Cancellation is a normal shutdown and returns nil.
func (e *Engine) Run(ctx context.Context) error {
	if e.config.Runtime.DryRun {
		mlog.Notice("Starting mirror (DRY RUN)")
	} else {
		mlog.Info("Starting mirror")
	}

	// The destination is created by the init operation, never here. A
	// missing directory usually means an unmounted drive and silently
	// recreating it would mirror onto the system disk.
	info, err := os.Stat(e.config.Destination)
	if err != nil {
		return fmt.Errorf("destination directory %s is not accessible, run with -init to create it: %w", e.config.Destination, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("destination path %s is not a directory", e.config.Destination)
	}
	if err := e.runPreflight(); err != nil {
		return err
	}

	if _, err := e.Reconcile(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			mlog.Info("Shutdown requested during reconciliation")
			return nil
		}
		return fmt.Errorf("initial reconciliation failed: %w", err)
	}

	stream, err := e.openStream()
	if err != nil {
		return err
	}
	defer stream.Close()

	err = e.Mirror(ctx, stream)
	if errors.Is(err, context.Canceled) {
		mlog.Info("Shutdown requested, stopping mirror")
		return nil
	}
	return err
}

// Reconcile performs the initial full sweep and records the run in the
// destination metafile. Metafile and archive failures do not fail the run;
// the mirrored data itself is already consistent at that point.
func (e *Engine) Reconcile(ctx context.Context) (reconcile.Result, error) {
	start := time.Now().UTC()

	rec := reconcile.New(e.mapper, e.exec, e.excludes, e.config.Sync.Performance.Workers)
	result, err := rec.Run(ctx)
	if err != nil {
		return result, err
	}
	finish := time.Now().UTC()

	e.writeMetafile(start, finish, result)

	if e.config.Archive.Enabled {
		if err := e.archiveDestination(ctx, finish); err != nil {
			mlog.Warn("Could not archive destination, continuing", "error", err)
		}
	}
	return result, nil
}

// Mirror consumes the notification stream and applies every change to the
// destination until the stream closes or ctx is canceled.
func (e *Engine) Mirror(ctx context.Context, stream watch.Stream) error {
	translator := mirror.New(e.exec, e.skipFunc())
	translator.FailOnStreamError = e.config.Watch.FailOnError

	mlog.Info("Live mirroring started", "source", e.config.Source, "backend", e.config.Watch.Backend)
	return translator.Run(ctx, stream)
}

// openStream starts the configured watch backend on the source root.
func (e *Engine) openStream() (watch.Stream, error) {
	backend, err := watch.BackendFromString(e.config.Watch.Backend)
	if err != nil {
		return nil, err
	}
	interval := time.Duration(e.config.Watch.PollIntervalSeconds) * time.Second
	stream, err := watch.Open(backend, e.config.Source, true, interval)
	if err != nil {
		return nil, fmt.Errorf("could not watch source %s: %w", e.config.Source, err)
	}
	return stream, nil
}

// skipFunc builds the notification filter from the exclusion configuration.
// Paths that cannot be relativized against the source root are skipped; the
// mirror must never act outside its own tree.
func (e *Engine) skipFunc() mirror.SkipFunc {
	return func(path string) bool {
		rel, err := e.mapper.Rel(path)
		if err != nil {
			mlog.Warn("Ignoring notification outside the source root", "path", path)
			return true
		}
		return e.excludes.MatchAny(rel)
	}
}

// runPreflight verifies both roots before any data is touched.
func (e *Engine) runPreflight() error {
	if err := preflight.CheckSourceDestinationDistinct(e.config.Source, e.config.Destination); err != nil {
		return err
	}
	if e.config.Runtime.DryRun {
		// The destination may not exist yet in a dry run; nothing to probe.
		return nil
	}
	return preflight.CheckDestination(e.config.Destination, e.config.Preflight.AllowSystemDrive)
}

// writeMetafile records the reconciliation run in the destination root.
// Failures are logged, not returned.
func (e *Engine) writeMetafile(start, finish time.Time, result reconcile.Result) {
	if e.config.Runtime.DryRun {
		mlog.Notice("[DRY RUN] METAFILE", "dir", e.config.Destination)
		return
	}
	content := &metafile.Content{
		Version:            e.version,
		RunUUID:            uuid.NewString(),
		SourcePath:         e.config.Source,
		ReconcileStartUTC:  start,
		ReconcileFinishUTC: finish,
		FilesScanned:       result.Scanned,
		FilesCopied:        result.Copied,
	}
	if err := metafile.Write(e.config.Destination, content); err != nil {
		mlog.Warn("Could not write metafile, continuing", "error", err)
	}
}

// archiveDestination snapshots the destination tree into a compressed
// archive placed next to the destination directory, so the archive itself
// never becomes part of the mirrored tree.
func (e *Engine) archiveDestination(ctx context.Context, ts time.Time) error {
	format, err := archive.FormatFromString(e.config.Archive.Format)
	if err != nil {
		return err
	}
	archivePath := filepath.Join(filepath.Dir(e.config.Destination), archive.SnapshotName(ts, format))
	return archive.Create(ctx, e.config.Destination, archivePath, format, e.config.Runtime.DryRun)
}
