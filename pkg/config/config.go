// Package config defines the application configuration, its defaults, and
// the JSON config file stored in the destination directory. Command-line
// flags are merged over the loaded configuration, so the file holds the
// long-term policy and flags override it per run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsmirror/fsmirror/pkg/archive"
	"github.com/fsmirror/fsmirror/pkg/metafile"
	"github.com/fsmirror/fsmirror/pkg/mlog"
	"github.com/fsmirror/fsmirror/pkg/util"
	"github.com/fsmirror/fsmirror/pkg/watch"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "fsmirror.config.json"

// systemExcludeFilePatterns is a slice of file patterns that should always be
// excluded from mirroring for the system to function correctly.
var systemExcludeFilePatterns = []string{metafile.MetaFileName, ConfigFileName}

// systemExcludeDirPatterns is a slice of directory patterns that should
// always be excluded from mirroring for the system to function correctly.
var systemExcludeDirPatterns = []string{}

type WatchConfig struct {
	// Backend selects the filesystem notification backend: 'fsnotify' for
	// native OS notifications or 'poll' for interval scanning.
	Backend             string `json:"backend"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
	// FailOnError stops the mirror with a non-zero exit when the watch
	// transport reports an error. When false, transport errors are logged
	// and mirroring continues.
	FailOnError bool `json:"failOnError"`
}

type SyncPerformanceConfig struct {
	// Workers is the number of goroutines used for the initial
	// reconciliation sweep. Live mirroring is always single-threaded.
	Workers      int `json:"workers"`
	BufferSizeKB int `json:"bufferSizeKB"`
}

type SyncConfig struct {
	// ModTimeWindowSeconds is the time window in seconds to consider file
	// modification times equal. Handles filesystem timestamp precision
	// differences. 0 means exact match.
	ModTimeWindowSeconds int                   `json:"modTimeWindowSeconds"`
	Performance          SyncPerformanceConfig `json:"performance"`
	DefaultExcludeFiles  []string              `json:"defaultExcludeFiles,omitempty"`
	DefaultExcludeDirs   []string              `json:"defaultExcludeDirs,omitempty"`
	// Note: omitempty is intentionally not used for user-configurable slices
	// so that they appear in the generated config file for better discoverability.
	UserExcludeFiles []string `json:"userExcludeFiles"`
	UserExcludeDirs  []string `json:"userExcludeDirs"`
}

type ArchiveConfig struct {
	// Enabled creates a compressed snapshot of the destination after each
	// successful reconciliation sweep.
	Enabled bool   `json:"enabled"`
	Format  string `json:"format"`
}

type PreflightConfig struct {
	// AllowSystemDrive permits destinations on the system drive. Off by
	// default so an unmounted external volume is not silently mirrored onto
	// the system disk.
	AllowSystemDrive bool `json:"allowSystemDrive"`
}

type RuntimeConfig struct {
	DryRun bool
}

type Config struct {
	Version     string          `json:"version"`
	Source      string          `json:"source"`
	Destination string          `json:"-"` // Never added to config file
	Runtime     RuntimeConfig   `json:"-"` // Never added to config file
	LogLevel    string          `json:"logLevel"`
	Watch       WatchConfig     `json:"watch"`
	Sync        SyncConfig      `json:"sync"`
	Archive     ArchiveConfig   `json:"archive"`
	Preflight   PreflightConfig `json:"preflight"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault(version string) Config {
	return Config{
		Version:  version,
		Source:   "",     // Intentionally empty to force user configuration.
		LogLevel: "info", // Default log level.
		Runtime: RuntimeConfig{
			DryRun: false,
		},
		Watch: WatchConfig{
			Backend:             string(watch.BackendFsnotify),
			PollIntervalSeconds: 1,
			FailOnError:         false, // Log watch transport errors and keep mirroring.
		},
		Sync: SyncConfig{
			ModTimeWindowSeconds: 1, // Set the default to 1 second
			Performance: SyncPerformanceConfig{
				Workers:      4,   // Default to 4. Safe for HDDs (prevents thrashing), decent for SSDs.
				BufferSizeKB: 256, // Default to 256KB buffer. Keep it between 64KB-4MB
			},
			UserExcludeFiles: []string{}, // User-defined list of files to exclude.
			UserExcludeDirs:  []string{}, // User-defined list of directories to exclude.
			DefaultExcludeFiles: []string{
				// Common temporary and system files across platforms.
				"*.tmp",       // Temporary files
				"*.swp",       // Vim swap files
				"~*",          // Files starting with a tilde (often temporary)
				"desktop.ini", // Windows folder customization file
				".DS_Store",   // macOS folder customization file
				"Thumbs.db",   // Windows image thumbnail cache
			},
			DefaultExcludeDirs: []string{
				// Common temporary, system, and trash directories.
				"@tmp",         // Synology temporary folder
				"@eadir",       // Synology index folder
				"#recycle",     // Synology recycle bin
				"$Recycle.Bin", // Windows recycle bin
			},
		},
		Archive: ArchiveConfig{
			Enabled: false, // A continuous mirror rarely wants per-run snapshots.
			Format:  "tar.zst",
		},
		Preflight: PreflightConfig{
			AllowSystemDrive: false,
		},
	}
}

// Load attempts to load a configuration from the destination directory.
// If the file doesn't exist, it returns the default config without an error.
// If the file exists but fails to parse, it returns an error and a
// zero-value config.
func Load(destination, version string) (Config, error) {
	absDestination, err := filepath.Abs(destination)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for load directory %s: %w", destination, err)
	}

	configPath := filepath.Join(absDestination, ConfigFileName)

	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := NewDefault(version)
			cfg.Destination = absDestination
			return cfg, nil // Config file doesn't exist, which is a normal case.
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}
	defer file.Close()

	mlog.Info("Loading configuration", "path", configPath)
	// Start with default values, then overwrite with the file's content.
	// This makes the config loading resilient to missing fields in the JSON file.
	cfg := NewDefault(version)
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	cfg.Destination = absDestination

	// The version in the file records which release generated it; the
	// running binary's version always wins after any migration.
	if cfg.Version != version {
		cfg.Version = version
	}
	return cfg, nil
}

// Generate creates or overwrites the config file in the configured
// destination directory.
func Generate(configToGenerate Config) error {
	configPath := filepath.Join(configToGenerate.Destination, ConfigFileName)
	jsonData, err := json.MarshalIndent(configToGenerate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal default config to JSON: %w", err)
	}

	if err := os.WriteFile(configPath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	mlog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies.
// Paths are expanded and cleaned in place so the rest of the application
// works with canonical representations.
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source path cannot be empty")
	}
	if c.Destination == "" {
		return fmt.Errorf("destination path cannot be empty")
	}

	var err error
	c.Source, err = util.ExpandPath(c.Source)
	if err != nil {
		return fmt.Errorf("could not expand source path: %w", err)
	}
	c.Source = filepath.Clean(c.Source)

	info, err := os.Stat(c.Source)
	if err != nil {
		return fmt.Errorf("source path '%s' is not accessible: %w", c.Source, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path '%s' is not a directory", c.Source)
	}
	if _, err := os.ReadDir(c.Source); err != nil {
		return fmt.Errorf("source path '%s' is not readable: %w", c.Source, err)
	}

	c.Destination, err = util.ExpandPath(c.Destination)
	if err != nil {
		return fmt.Errorf("could not expand destination path: %w", err)
	}
	c.Destination = filepath.Clean(c.Destination)

	if _, err := watch.BackendFromString(c.Watch.Backend); err != nil {
		return err
	}
	if c.Archive.Enabled {
		if _, err := archive.FormatFromString(c.Archive.Format); err != nil {
			return err
		}
	}
	if c.Watch.PollIntervalSeconds < 1 {
		return fmt.Errorf("watch.pollIntervalSeconds must be at least 1")
	}
	if c.Sync.ModTimeWindowSeconds < 0 {
		return fmt.Errorf("sync.modTimeWindowSeconds cannot be negative")
	}
	if c.Sync.Performance.Workers < 1 {
		return fmt.Errorf("sync.performance.workers must be at least 1")
	}
	if c.Sync.Performance.BufferSizeKB <= 0 {
		return fmt.Errorf("sync.performance.bufferSizeKB must be greater than 0")
	}

	if err := validateGlobPatterns("defaultExcludeFiles", c.Sync.DefaultExcludeFiles); err != nil {
		return err
	}
	if err := validateGlobPatterns("userExcludeFiles", c.Sync.UserExcludeFiles); err != nil {
		return err
	}
	if err := validateGlobPatterns("defaultExcludeDirs", c.Sync.DefaultExcludeDirs); err != nil {
		return err
	}
	if err := validateGlobPatterns("userExcludeDirs", c.Sync.UserExcludeDirs); err != nil {
		return err
	}
	return nil
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"log_level", c.LogLevel,
		"source", c.Source,
		"destination", c.Destination,
		"dry_run", c.Runtime.DryRun,
		"watch_backend", c.Watch.Backend,
		"sync_workers", c.Sync.Performance.Workers,
		"buffer_size_kb", c.Sync.Performance.BufferSizeKB,
		"mod_time_window_s", c.Sync.ModTimeWindowSeconds,
	}
	if c.Watch.Backend == string(watch.BackendPoll) {
		logArgs = append(logArgs, "poll_interval_s", c.Watch.PollIntervalSeconds)
	}
	if c.Watch.FailOnError {
		logArgs = append(logArgs, "fail_on_watch_error", true)
	}
	if c.Archive.Enabled {
		logArgs = append(logArgs, "archive", fmt.Sprintf("enabled (f:%s)", c.Archive.Format))
	}
	if excludeFiles := c.Sync.ExcludeFiles(); len(excludeFiles) > 0 {
		logArgs = append(logArgs, "exclude_files", strings.Join(excludeFiles, ", "))
	}
	if excludeDirs := c.Sync.ExcludeDirs(); len(excludeDirs) > 0 {
		logArgs = append(logArgs, "exclude_dirs", strings.Join(excludeDirs, ", "))
	}
	mlog.Info("Configuration loaded", logArgs...)
}

// validateGlobPatterns checks if a list of strings are valid glob patterns.
func validateGlobPatterns(fieldName string, patterns []string) error {
	for _, pattern := range patterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid glob pattern for %s: %q - %w", fieldName, pattern, err)
		}
	}
	return nil
}

// ExcludeFiles returns the final, combined slice of file exclusion patterns,
// including non-overridable system patterns, default patterns, and
// user-configured patterns. It automatically handles deduplication.
func (s *SyncConfig) ExcludeFiles() []string {
	return util.MergeAndDeduplicate(systemExcludeFilePatterns, s.DefaultExcludeFiles, s.UserExcludeFiles)
}

// ExcludeDirs returns the final, combined slice of directory exclusion
// patterns, including non-overridable system patterns, default patterns, and
// user-configured patterns. It automatically handles deduplication.
func (s *SyncConfig) ExcludeDirs() []string {
	return util.MergeAndDeduplicate(systemExcludeDirPatterns, s.DefaultExcludeDirs, s.UserExcludeDirs)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of
// a base configuration. It iterates over the setFlags map, which contains
// only the flags explicitly provided by the user on the command line.
func MergeConfigWithFlags(base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "source":
			merged.Source = value.(string)
		case "destination":
			merged.Destination = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "watch-backend":
			merged.Watch.Backend = value.(string)
		case "poll-interval":
			merged.Watch.PollIntervalSeconds = value.(int)
		case "fail-on-watch-error":
			merged.Watch.FailOnError = value.(bool)
		case "mod-time-window":
			merged.Sync.ModTimeWindowSeconds = value.(int)
		case "sync-workers":
			merged.Sync.Performance.Workers = value.(int)
		case "buffer-size-kb":
			merged.Sync.Performance.BufferSizeKB = value.(int)
		case "exclude-files":
			merged.Sync.UserExcludeFiles = value.([]string)
		case "exclude-dirs":
			merged.Sync.UserExcludeDirs = value.([]string)
		case "archive":
			merged.Archive.Enabled = value.(bool)
		case "archive-format":
			merged.Archive.Format = value.(string)
		case "allow-system-drive":
			merged.Preflight.AllowSystemDrive = value.(bool)
		default:
			mlog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
