// Package fsops performs the destination-side file operations for the mirror:
// copy, remove and rename, plus the metadata comparison that decides whether a
// source file needs copying at all. Every destination path is derived through
// the path mapper; fsops never constructs destination paths on its own.
package fsops

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsmirror/fsmirror/pkg/mlog"
	"github.com/fsmirror/fsmirror/pkg/pathmap"
	"github.com/fsmirror/fsmirror/pkg/util"
)

// DefaultBufferSizeKB is the I/O buffer size used for file copies when the
// configuration does not override it.
const DefaultBufferSizeKB = 256

// Executor carries out filesystem operations against the destination tree.
// Operations are idempotent with respect to directory creation and hold no
// locks; concurrent external mutation yields whatever the underlying
// filesystem calls return.
type Executor struct {
	mapper        pathmap.Mapper
	modTimeWindow time.Duration
	dryRun        bool
	ioBufferPool  sync.Pool
}

// NewExecutor returns an Executor resolving destination paths via mapper.
// modTimeWindow is the tolerance within which two modification times are
// considered equal (0 means exact); bufferSizeKB sizes the pooled copy
// buffers, falling back to DefaultBufferSizeKB when non-positive.
func NewExecutor(mapper pathmap.Mapper, modTimeWindow time.Duration, dryRun bool, bufferSizeKB int) *Executor {
	if bufferSizeKB <= 0 {
		bufferSizeKB = DefaultBufferSizeKB
	}
	return &Executor{
		mapper:        mapper,
		modTimeWindow: modTimeWindow,
		dryRun:        dryRun,
		ioBufferPool: sync.Pool{
			New: func() any {
				b := make([]byte, bufferSizeKB*1024)
				return &b
			},
		},
	}
}

// truncateModTime adjusts a time based on the configured modification time window.
func (e *Executor) truncateModTime(t time.Time) time.Time {
	if e.modTimeWindow > 0 {
		return t.Truncate(e.modTimeWindow)
	}
	return t
}

// NeedsCopy decides whether the source file requires copying to the
// destination. A missing destination always requires a copy. An existing
// destination is compared by modification time (truncated to the configured
// window, so filesystems with differing timestamp resolutions compare
// equal) and by size. Unexpected destination stat errors are logged and
// treated as "no action" so the sweep keeps going.
func (e *Executor) NeedsCopy(src string, srcInfo fs.FileInfo) (bool, error) {
	dst, err := e.mapper.Map(src)
	if err != nil {
		return false, err
	}

	trgInfo, err := os.Lstat(dst)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		mlog.Warn("Could not stat destination, skipping comparison", "path", dst, "error", err)
		return false, nil
	}

	if !trgInfo.Mode().IsRegular() {
		// Destination exists but is not a regular file; a copy will replace it.
		return true, nil
	}
	if !e.truncateModTime(srcInfo.ModTime()).Equal(e.truncateModTime(trgInfo.ModTime())) {
		return true, nil
	}
	return srcInfo.Size() != trgInfo.Size(), nil
}

// Copy mirrors a source entry to the destination. Directories are created
// idempotently with all missing ancestors. Regular files are copied via a
// temporary file and an atomic rename, preserving the source modification
// time so later comparisons stay meaningful. If the destination's parent
// directory chain is missing, it is created and the copy retried once; any
// other failure propagates. Non-regular entries (symlinks, pipes) are skipped.
func (e *Executor) Copy(src string) error {
	dst, err := e.mapper.Map(src)
	if err != nil {
		return err
	}

	srcInfo, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source %s: %w", src, err)
	}

	if srcInfo.IsDir() {
		if e.dryRun {
			mlog.Notice("[DRY RUN] MKDIR", "path", dst)
			return nil
		}
		mlog.Notice("MKDIR", "path", dst)
		// The owner-write bit keeps later runs from being locked out of their
		// own destination tree by a read-only source directory.
		if err := os.MkdirAll(dst, util.WithUserWritePermission(srcInfo.Mode().Perm())); err != nil {
			return fmt.Errorf("failed to create destination directory %s: %w", dst, err)
		}
		return nil
	}

	if !srcInfo.Mode().IsRegular() {
		mlog.Info("SKIP", "type", srcInfo.Mode().String(), "path", src)
		return nil
	}

	if e.dryRun {
		mlog.Notice("[DRY RUN] COPY", "from", src, "to", dst)
		return nil
	}
	mlog.Notice("COPY", "from", src, "to", dst)

	if err := e.copyFile(src, dst, srcInfo); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		// The destination parent chain does not exist yet. Create it and
		// retry the copy once; this covers files appearing in directories
		// the mirror has not materialized.
		parent := filepath.Dir(dst)
		mlog.Debug("Destination parent missing, creating", "dir", parent)
		if mkErr := os.MkdirAll(parent, util.UserWritableDirPerms); mkErr != nil {
			return fmt.Errorf("failed to create destination parent %s: %w", parent, mkErr)
		}
		return e.copyFile(src, dst, srcInfo)
	}
	return nil
}

// copyFile copies one regular file. It writes to a temporary file in the
// destination directory first and renames it into place, so readers of the
// destination never observe a half-written file.
func (e *Executor) copyFile(src, dst string, srcInfo fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer in.Close()

	dstDir := filepath.Dir(dst)
	out, err := os.CreateTemp(dstDir, ".fsmirror-*.tmp")
	if err != nil {
		// Returned unwrapped so the caller's fs.ErrNotExist check sees the
		// missing-parent condition.
		return err
	}

	tempPath := out.Name()
	// If the rename succeeds, tempPath is cleared and this becomes a no-op.
	defer func() {
		if tempPath != "" {
			os.Remove(tempPath)
		}
	}()

	bufPtr := e.ioBufferPool.Get().(*[]byte)
	defer e.ioBufferPool.Put(bufPtr)

	if _, err := io.CopyBuffer(out, in, *bufPtr); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy content from %s to %s: %w", src, tempPath, err)
	}

	if err := out.Chmod(srcInfo.Mode()); err != nil {
		out.Close()
		return fmt.Errorf("failed to set permissions on %s: %w", tempPath, err)
	}

	// Close before Chtimes: flushing may itself update the modification time.
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file %s: %w", tempPath, err)
	}

	if err := os.Chtimes(tempPath, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return fmt.Errorf("failed to set timestamps on %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, dst); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", tempPath, err)
	}
	tempPath = ""
	return nil
}

// Remove deletes the destination counterpart of a source entry. The source
// side is typically already gone, so the decision is made on the destination:
// directories are removed only if empty, and a missing destination surfaces
// the removal error rather than being swallowed.
func (e *Executor) Remove(src string) error {
	dst, err := e.mapper.Map(src)
	if err != nil {
		return err
	}

	if e.dryRun {
		mlog.Notice("[DRY RUN] REMOVE", "path", dst)
		return nil
	}

	if info, statErr := os.Lstat(dst); statErr == nil && info.IsDir() {
		mlog.Notice("RMDIR", "path", dst)
	} else {
		mlog.Notice("REMOVE", "path", dst)
	}

	// os.Remove deletes files and refuses non-empty directories, which is
	// exactly the contract for both cases.
	if err := os.Remove(dst); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dst, err)
	}
	return nil
}

// Rename renames the destination counterpart of oldPath to that of newPath.
// The destination directory of the mapped new path is the base for both
// filenames, matching the single-directory rename transactions the
// notification facility reports.
func (e *Executor) Rename(oldPath, newPath string) error {
	mappedNew, err := e.mapper.Map(newPath)
	if err != nil {
		return err
	}
	dstDir := filepath.Dir(mappedNew)
	from := filepath.Join(dstDir, filepath.Base(oldPath))
	to := filepath.Join(dstDir, filepath.Base(newPath))

	if e.dryRun {
		mlog.Notice("[DRY RUN] RENAME", "from", from, "to", to)
		return nil
	}
	mlog.Notice("RENAME", "from", from, "to", to)

	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
	}
	return nil
}
