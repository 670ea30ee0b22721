// Package metafile reads and writes the run-metadata file fsmirror keeps in
// the destination root. The file records which source the destination
// mirrors and when it was last reconciled, so a destination tree remains
// self-describing when inspected later.
package metafile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsmirror/fsmirror/pkg/util"
)

// MetaFileName is the name of the mirror metadata file.
const MetaFileName = ".fsmirror.meta.json"

// Content holds the contents of the metadata file.
type Content struct {
	Version            string    `json:"version"`
	RunUUID            string    `json:"runUUID"`
	SourcePath         string    `json:"sourcePath"`
	ReconcileStartUTC  time.Time `json:"reconcileStartUTC"`
	ReconcileFinishUTC time.Time `json:"reconcileFinishUTC"`
	FilesScanned       int64     `json:"filesScanned"`
	FilesCopied        int64     `json:"filesCopied"`
}

// Write creates or overwrites the metadata file in the given directory.
func Write(dirPath string, content *Content) error {
	metaFilePath := filepath.Join(dirPath, MetaFileName)
	jsonData, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal meta data: %w", err)
	}

	if err := os.WriteFile(metaFilePath, jsonData, util.UserGroupWritableFilePerms); err != nil {
		return fmt.Errorf("could not write meta file %s: %w", metaFilePath, err)
	}
	return nil
}

// Read opens and parses the metadata file in the given directory.
// It returns the original open error unchanged so callers can branch on
// os.IsNotExist.
func Read(dirPath string) (Content, error) {
	metaFilePath := filepath.Join(dirPath, MetaFileName)
	metaFile, err := os.Open(metaFilePath)
	if err != nil {
		return Content{}, err
	}
	defer metaFile.Close()

	var content Content
	decoder := json.NewDecoder(metaFile)
	if err := decoder.Decode(&content); err != nil {
		return Content{}, fmt.Errorf("could not parse metafile %s: %w. It may be corrupt", metaFilePath, err)
	}
	return content, nil
}
