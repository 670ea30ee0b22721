// Package archive packs the destination tree into a compressed tar snapshot.
// Archiving runs after a successful reconciliation when enabled, producing a
// point-in-time record of the mirror next to the destination directory. The
// archive is written to a temporary file and renamed into place, so a
// partially written snapshot never carries the final name.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/fsmirror/fsmirror/pkg/mlog"
)

// Format selects the archive compression format.
type Format string

const (
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
)

// FormatFromString validates a configuration string.
func FormatFromString(s string) (Format, error) {
	switch Format(s) {
	case FormatTarGz, FormatTarZst:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown archive format %q (want 'tar.gz' or 'tar.zst')", s)
	}
}

// Extension returns the filename extension for the format, without a leading dot.
func (f Format) Extension() string { return string(f) }

// SnapshotName builds the archive filename for a run that finished at ts.
func SnapshotName(ts time.Time, format Format) string {
	return fmt.Sprintf("fsmirror-%s.%s", ts.Format("2006-01-02T15-04-05Z"), format.Extension())
}

// Create archives srcDir into archivePath using the given format. In dry-run
// mode the archive is only announced. Cancellation is checked between file
// entries; a canceled run leaves no partial archive behind.
func Create(ctx context.Context, srcDir, archivePath string, format Format, dryRun bool) (retErr error) {
	if dryRun {
		mlog.Notice("[DRY RUN] ARCHIVE", "source", srcDir, "archive", archivePath)
		return nil
	}
	mlog.Notice("ARCHIVE", "source", srcDir, "archive", archivePath)

	out, err := os.CreateTemp(filepath.Dir(archivePath), ".fsmirror-archive-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempPath := out.Name()
	defer func() {
		if tempPath != "" {
			out.Close()
			os.Remove(tempPath)
		}
	}()

	compressor, err := newCompressor(out, format)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(compressor)
	if err := addTree(ctx, tw, srcDir); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar stream: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("failed to finalize compression stream: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close archive file: %w", err)
	}

	if err := os.Rename(tempPath, archivePath); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	tempPath = ""
	return nil
}

// newCompressor wraps w in the requested compression stream.
func newCompressor(w io.Writer, format Format) (io.WriteCloser, error) {
	switch format {
	case FormatTarGz:
		return pgzip.NewWriter(w), nil
	case FormatTarZst:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("unknown archive format %q", format)
	}
}

// addTree writes every entry below root into the tar stream. Entry names are
// relative to root with forward slashes, per the tar convention. Non-regular
// non-directory entries are skipped; an archive is a data snapshot, not a
// device-node replica.
func addTree(ctx context.Context, tw *tar.Writer, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to access %s: %w", path, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to relativize %s: %w", path, err)
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			mlog.Info("SKIP", "type", info.Mode().String(), "path", rel)
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to build tar header for %s: %w", rel, err)
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", rel, err)
		}
		if info.IsDir() {
			return nil
		}

		in, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer in.Close()
		if _, err := io.Copy(tw, in); err != nil {
			return fmt.Errorf("failed to archive %s: %w", rel, err)
		}
		return nil
	})
}
