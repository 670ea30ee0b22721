package fsops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsmirror/fsmirror/pkg/pathmap"
)

// helper to create a file with specific content and mod time.
func createFile(t *testing.T, path, content string, modTime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir for test file: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("failed to set mod time for test file: %v", err)
	}
}

// helper to check if a path exists.
func pathExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if os.IsNotExist(err) {
		return false
	}
	t.Fatalf("unexpected error checking path %s: %v", path, err)
	return false
}

// helper to get file content.
func getFileContent(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file content from %s: %v", path, err)
	}
	return string(content)
}

// helper to stat a path.
func getPathInfo(t *testing.T, path string) os.FileInfo {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("failed to stat %s: %v", path, err)
	}
	return info
}

func newTestExecutor(t *testing.T) (*Executor, string, string) {
	t.Helper()
	src := t.TempDir()
	dst := t.TempDir()
	exec := NewExecutor(pathmap.New(src, dst), time.Second, false, 0)
	return exec, src, dst
}

func TestNeedsCopy(t *testing.T) {
	baseTime := time.Now().Add(-time.Hour).Truncate(time.Second)

	cases := []struct {
		name  string
		setup func(t *testing.T, srcPath, dstPath string)
		want  bool
	}{
		{
			name: "destination missing",
			setup: func(t *testing.T, srcPath, dstPath string) {
				createFile(t, srcPath, "hello", baseTime)
			},
			want: true,
		},
		{
			name: "identical mtime and size",
			setup: func(t *testing.T, srcPath, dstPath string) {
				createFile(t, srcPath, "hello", baseTime)
				createFile(t, dstPath, "hello", baseTime)
			},
			want: false,
		},
		{
			name: "mtime within the window",
			setup: func(t *testing.T, srcPath, dstPath string) {
				createFile(t, srcPath, "hello", baseTime.Add(100*time.Millisecond))
				createFile(t, dstPath, "hello", baseTime.Add(300*time.Millisecond))
			},
			want: false,
		},
		{
			name: "mtime differs beyond the window",
			setup: func(t *testing.T, srcPath, dstPath string) {
				createFile(t, srcPath, "hello", baseTime.Add(5*time.Second))
				createFile(t, dstPath, "hello", baseTime)
			},
			want: true,
		},
		{
			name: "same mtime different size",
			setup: func(t *testing.T, srcPath, dstPath string) {
				createFile(t, srcPath, "hello world", baseTime)
				createFile(t, dstPath, "hello", baseTime)
			},
			want: true,
		},
		{
			name: "destination is a directory",
			setup: func(t *testing.T, srcPath, dstPath string) {
				createFile(t, srcPath, "hello", baseTime)
				if err := os.MkdirAll(dstPath, 0755); err != nil {
					t.Fatalf("failed to create dst dir: %v", err)
				}
			},
			want: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec, src, dst := newTestExecutor(t)
			srcPath := filepath.Join(src, "a.txt")
			dstPath := filepath.Join(dst, "a.txt")
			tc.setup(t, srcPath, dstPath)

			info := getPathInfo(t, srcPath)
			got, err := exec.NeedsCopy(srcPath, info)
			if err != nil {
				t.Fatalf("NeedsCopy returned error: %v", err)
			}
			if got != tc.want {
				t.Errorf("NeedsCopy = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCopyFile(t *testing.T) {
	exec, src, dst := newTestExecutor(t)
	modTime := time.Now().Add(-time.Hour).Truncate(time.Second)
	srcPath := filepath.Join(src, "a.txt")
	createFile(t, srcPath, "hello", modTime)

	if err := exec.Copy(srcPath); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	dstPath := filepath.Join(dst, "a.txt")
	if got := getFileContent(t, dstPath); got != "hello" {
		t.Errorf("destination content = %q, want %q", got, "hello")
	}
	if got := getPathInfo(t, dstPath).ModTime(); !got.Equal(modTime) {
		t.Errorf("destination mtime = %v, want %v", got, modTime)
	}
}

func TestCopyCreatesMissingParents(t *testing.T) {
	exec, src, dst := newTestExecutor(t)
	srcPath := filepath.Join(src, "deep", "nested", "dir", "a.txt")
	createFile(t, srcPath, "nested content", time.Now())

	// No directory-create events preceded this copy; the parent chain must
	// be materialized by the recovery path.
	if err := exec.Copy(srcPath); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	dstPath := filepath.Join(dst, "deep", "nested", "dir", "a.txt")
	if got := getFileContent(t, dstPath); got != "nested content" {
		t.Errorf("destination content = %q, want %q", got, "nested content")
	}
}

func TestCopyIsIdempotent(t *testing.T) {
	exec, src, dst := newTestExecutor(t)
	srcPath := filepath.Join(src, "a.txt")
	createFile(t, srcPath, "stable", time.Now().Add(-time.Minute))

	if err := exec.Copy(srcPath); err != nil {
		t.Fatalf("first Copy failed: %v", err)
	}
	if err := exec.Copy(srcPath); err != nil {
		t.Fatalf("second Copy failed: %v", err)
	}
	if got := getFileContent(t, filepath.Join(dst, "a.txt")); got != "stable" {
		t.Errorf("destination content after second copy = %q, want %q", got, "stable")
	}
}

func TestCopyDirectory(t *testing.T) {
	exec, src, dst := newTestExecutor(t)
	srcDir := filepath.Join(src, "sub", "dir")
	if err := os.MkdirAll(srcDir, 0755); err != nil {
		t.Fatalf("failed to create source dir: %v", err)
	}

	if err := exec.Copy(srcDir); err != nil {
		t.Fatalf("Copy of directory failed: %v", err)
	}
	if !getPathInfo(t, filepath.Join(dst, "sub", "dir")).IsDir() {
		t.Error("expected destination directory to exist")
	}

	// Creating an already existing directory must not fail.
	if err := exec.Copy(srcDir); err != nil {
		t.Fatalf("repeated Copy of directory failed: %v", err)
	}
}

func TestCopyMissingSourceFails(t *testing.T) {
	exec, src, _ := newTestExecutor(t)
	if err := exec.Copy(filepath.Join(src, "ghost.txt")); err == nil {
		t.Error("expected error copying a missing source file")
	}
}

func TestRemove(t *testing.T) {
	t.Run("removes a file", func(t *testing.T) {
		exec, src, dst := newTestExecutor(t)
		dstPath := filepath.Join(dst, "a.txt")
		createFile(t, dstPath, "bye", time.Now())

		if err := exec.Remove(filepath.Join(src, "a.txt")); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if pathExists(t, dstPath) {
			t.Error("expected destination file to be removed")
		}
	})

	t.Run("removes an empty directory", func(t *testing.T) {
		exec, src, dst := newTestExecutor(t)
		if err := os.MkdirAll(filepath.Join(dst, "sub"), 0755); err != nil {
			t.Fatalf("failed to create destination dir: %v", err)
		}

		if err := exec.Remove(filepath.Join(src, "sub")); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if pathExists(t, filepath.Join(dst, "sub")) {
			t.Error("expected destination directory to be removed")
		}
	})

	t.Run("refuses a non-empty directory", func(t *testing.T) {
		exec, src, dst := newTestExecutor(t)
		createFile(t, filepath.Join(dst, "sub", "keep.txt"), "keep", time.Now())

		if err := exec.Remove(filepath.Join(src, "sub")); err == nil {
			t.Error("expected error removing a non-empty directory")
		}
		if !pathExists(t, filepath.Join(dst, "sub", "keep.txt")) {
			t.Error("expected directory contents to survive")
		}
	})

	t.Run("surfaces the error for a missing destination", func(t *testing.T) {
		exec, src, _ := newTestExecutor(t)
		if err := exec.Remove(filepath.Join(src, "never-existed.txt")); err == nil {
			t.Error("expected error removing a missing destination")
		}
	})
}

func TestRename(t *testing.T) {
	exec, src, dst := newTestExecutor(t)
	createFile(t, filepath.Join(dst, "sub", "old.txt"), "payload", time.Now())

	oldPath := filepath.Join(src, "sub", "old.txt")
	newPath := filepath.Join(src, "sub", "new.txt")
	if err := exec.Rename(oldPath, newPath); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	if pathExists(t, filepath.Join(dst, "sub", "old.txt")) {
		t.Error("expected old destination name to be gone")
	}
	if got := getFileContent(t, filepath.Join(dst, "sub", "new.txt")); got != "payload" {
		t.Errorf("renamed content = %q, want %q", got, "payload")
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	exec := NewExecutor(pathmap.New(src, dst), time.Second, true, 0)

	srcPath := filepath.Join(src, "a.txt")
	createFile(t, srcPath, "hello", time.Now())
	dstExisting := filepath.Join(dst, "existing.txt")
	createFile(t, dstExisting, "keep", time.Now())

	if err := exec.Copy(srcPath); err != nil {
		t.Fatalf("dry-run Copy failed: %v", err)
	}
	if pathExists(t, filepath.Join(dst, "a.txt")) {
		t.Error("dry-run Copy must not create files")
	}

	if err := exec.Remove(filepath.Join(src, "existing.txt")); err != nil {
		t.Fatalf("dry-run Remove failed: %v", err)
	}
	if !pathExists(t, dstExisting) {
		t.Error("dry-run Remove must not delete files")
	}

	if err := exec.Rename(filepath.Join(src, "existing.txt"), filepath.Join(src, "renamed.txt")); err != nil {
		t.Fatalf("dry-run Rename failed: %v", err)
	}
	if !pathExists(t, dstExisting) {
		t.Error("dry-run Rename must not move files")
	}
}

func TestOperationsRejectPathsOutsideRoot(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	outside := filepath.Join(t.TempDir(), "elsewhere.txt")

	if err := exec.Copy(outside); err == nil {
		t.Error("expected Copy to reject a path outside the source root")
	}
	if err := exec.Remove(outside); err == nil {
		t.Error("expected Remove to reject a path outside the source root")
	}
	if err := exec.Rename(outside, outside); err == nil {
		t.Error("expected Rename to reject a path outside the source root")
	}
}
