package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fsmirror/fsmirror/pkg/config"
	"github.com/fsmirror/fsmirror/pkg/engine"
	"github.com/fsmirror/fsmirror/pkg/flagparse"
	"github.com/fsmirror/fsmirror/pkg/mlog"
)

// appName is the canonical name of the application used for logging.
const appName = "fsmirror"

// version holds the application's version string.
// It's a `var` so it can be set at compile time using ldflags.
// Example: go build -ldflags="-X main.version=1.0.0"
var version = "dev"

// action defines a special command to execute instead of mirroring.
type action int

const (
	actionRunMirror action = iota // The default action is to run the mirror.
	actionShowVersion
	actionInitConfig
)

// init is called before main. We use it to set up a custom, more descriptive
// help message for the command-line flags.
func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s (version %s):\n", appName, version)
		fmt.Fprintf(flag.CommandLine.Output(), "A one-way continuous directory mirror: an initial sweep followed by live change watching.\n\n")
		flag.PrintDefaults()
	}
}

// parseFlagConfig defines and parses command-line flags, and constructs a
// configuration map containing only the values provided by those flags.
func parseFlagConfig() (action, map[string]interface{}, error) {
	// Flags are exposed for options that are useful to override for a single
	// run. Long-term policy belongs in the config file in the destination
	// directory.
	srcFlag := flag.String("source", "", "Source directory to mirror from")
	dstFlag := flag.String("destination", "", "Destination directory to mirror into")
	logLevelFlag := flag.String("log-level", "info", "Set the logging level: 'debug', 'info', 'notice', 'warn', 'error'.")
	quietFlag := flag.Bool("quiet", false, "Suppress debug and info output; operations and errors are still logged.")
	dryRunFlag := flag.Bool("dry-run", false, "Show what would be done without making any changes.")
	initFlag := flag.Bool("init", false, "Generate a default fsmirror.config.json in the destination and exit.")
	versionFlag := flag.Bool("version", false, "Print the application version and exit.")
	watchBackendFlag := flag.String("watch-backend", "fsnotify", "Watch backend: 'fsnotify' (OS notifications) or 'poll' (interval scanning).")
	pollIntervalFlag := flag.Int("poll-interval", 1, "Polling interval in seconds for the 'poll' watch backend.")
	modTimeWindowFlag := flag.Int("mod-time-window", 1, "Time window in seconds to consider file modification times equal (0=exact).")
	syncWorkersFlag := flag.Int("sync-workers", 0, "Number of worker goroutines for the initial reconciliation sweep.")
	bufferSizeKBFlag := flag.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for file copies.")
	excludeFilesFlag := flag.String("exclude-files", "", "Comma-separated list of file names to exclude (supports glob patterns).")
	excludeDirsFlag := flag.String("exclude-dirs", "", "Comma-separated list of directory names to exclude (supports glob patterns).")
	archiveFlag := flag.Bool("archive", false, "Create a compressed snapshot of the destination after the initial sweep.")
	archiveFormatFlag := flag.String("archive-format", "", "Archive snapshot format: 'tar.gz' or 'tar.zst'.")
	failOnWatchErrorFlag := flag.Bool("fail-on-watch-error", false, "Exit with an error when the watch facility reports a transport error.")
	allowSystemDriveFlag := flag.Bool("allow-system-drive", false, "Permit a destination on the system drive.")

	flag.Parse()

	// Create a map of the flags that were explicitly set by the user, along
	// with their values. This map is used to selectively override the base
	// configuration.
	usedFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]interface{})

	// Helper to add a value to the map only if the corresponding flag was set.
	addIfUsed := func(name string, value interface{}) {
		if usedFlags[name] {
			flagMap[name] = value
		}
	}

	// Helper for flags that need parsing. It only calls the parser if the flag was used.
	addParsedIfUsed := func(name string, rawValue string, parser func(string) []string) {
		if usedFlags[name] {
			flagMap[name] = parser(rawValue)
		}
	}

	addIfUsed("source", *srcFlag)
	addIfUsed("destination", *dstFlag)
	addIfUsed("log-level", *logLevelFlag)
	addIfUsed("dry-run", *dryRunFlag)
	addIfUsed("watch-backend", *watchBackendFlag)
	addIfUsed("poll-interval", *pollIntervalFlag)
	addIfUsed("mod-time-window", *modTimeWindowFlag)
	addIfUsed("sync-workers", *syncWorkersFlag)
	addIfUsed("buffer-size-kb", *bufferSizeKBFlag)
	addIfUsed("archive", *archiveFlag)
	addIfUsed("archive-format", *archiveFormatFlag)
	addIfUsed("fail-on-watch-error", *failOnWatchErrorFlag)
	addIfUsed("allow-system-drive", *allowSystemDriveFlag)

	addParsedIfUsed("exclude-files", *excludeFilesFlag, flagparse.ParseExcludeList)
	addParsedIfUsed("exclude-dirs", *excludeDirsFlag, flagparse.ParseExcludeList)

	// Quiet is a logging switch, not configuration; apply it immediately.
	if *quietFlag {
		mlog.SetQuiet(true)
	}

	if *versionFlag {
		return actionShowVersion, flagMap, nil
	}
	if *initFlag {
		return actionInitConfig, flagMap, nil
	}
	return actionRunMirror, flagMap, nil
}

// runInit handles the logic for the 'init' action.
func runInit(ctx context.Context, flagMap map[string]interface{}) error {
	// For init, source and destination flags are mandatory.
	if _, ok := flagMap["destination"]; !ok {
		return fmt.Errorf("the -destination flag is required for the init operation")
	}
	if _, ok := flagMap["source"]; !ok {
		return fmt.Errorf("the -source flag is required for the init operation")
	}

	// Create a config from defaults merged with user flags.
	runConfig := config.MergeConfigWithFlags(config.NewDefault(version), flagMap)
	if err := runConfig.Validate(); err != nil {
		return err
	}

	initEngine := engine.New(runConfig, version)
	if err := initEngine.InitializeDestination(ctx); err != nil {
		return err
	}
	mlog.Info(appName + " destination successfully initialized.")
	return nil
}

// runMirror handles the logic for the main mirroring action.
func runMirror(ctx context.Context, flagMap map[string]interface{}) error {
	// The destination flag is mandatory; it tells us where to look for the
	// config file.
	destination, ok := flagMap["destination"].(string)
	if !ok || destination == "" {
		return fmt.Errorf("the -destination flag is required to run a mirror")
	}

	// Load config from the destination directory, or use defaults if not found.
	loadedConfig, err := config.Load(destination, version)
	if err != nil {
		return fmt.Errorf("failed to load configuration from destination: %w", err)
	}

	// Merge the flag values over the loaded config to get the final run config.
	runConfig := config.MergeConfigWithFlags(loadedConfig, flagMap)
	if err := runConfig.Validate(); err != nil {
		return err
	}

	// Set the global log level based on the final configuration.
	mlog.SetLevel(mlog.LevelFromString(runConfig.LogLevel))

	runConfig.LogSummary()

	startTime := time.Now()
	mirrorEngine := engine.New(runConfig, version)
	err = mirrorEngine.Run(ctx)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	mlog.Info(appName+" finished.", "duration", duration)
	return nil
}

// run encapsulates the main application logic and returns an error if
// something goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context) error {
	mlog.Info("Starting "+appName, "version", version, "pid", os.Getpid())

	action, flagMap, err := parseFlagConfig()
	if err != nil {
		return err
	}

	switch action {
	case actionShowVersion:
		fmt.Printf("%s version %s\n", appName, version)
		return nil
	case actionInitConfig:
		return runInit(ctx, flagMap)
	case actionRunMirror:
		return runMirror(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown action %d", action)
	}
}

func main() {
	// Set up a context that is canceled when an interrupt signal is received.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for interrupt signals (like Ctrl+C) in a separate goroutine.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx); err != nil {
		mlog.Error(appName+" exited with error", "error", err)
		os.Exit(1)
	}
}
