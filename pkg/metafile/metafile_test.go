package metafile

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)

	want := &Content{
		Version:            "1.2.3",
		RunUUID:            "4f6c79c1-5f7a-4e0e-95c9-0f6f7b6f2a11",
		SourcePath:         "/data/projects",
		ReconcileStartUTC:  start,
		ReconcileFinishUTC: start.Add(42 * time.Second),
		FilesScanned:       128,
		FilesCopied:        7,
	}
	if err := Write(dir, want); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got != *want {
		t.Errorf("Read = %+v, want %+v", got, *want)
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(t.TempDir())
	if !os.IsNotExist(err) {
		t.Errorf("Read of missing metafile = %v, want os.IsNotExist", err)
	}
}

func TestReadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, MetaFileName), []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to write corrupt metafile: %v", err)
	}

	if _, err := Read(dir); err == nil {
		t.Error("expected error reading corrupt metafile")
	}
}

func TestWriteOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, &Content{RunUUID: "first"}); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	if err := Write(dir, &Content{RunUUID: "second"}); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.RunUUID != "second" {
		t.Errorf("RunUUID = %q, want %q", got.RunUUID, "second")
	}
}
