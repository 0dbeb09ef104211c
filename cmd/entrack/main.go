package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	entrack "github.com/gxo-labs/entrack/pkg/entrack/v1"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	entracklog "github.com/gxo-labs/entrack/pkg/entrack/v1/log"

	"github.com/gxo-labs/entrack/internal/config"
	"github.com/gxo-labs/entrack/internal/events"
	"github.com/gxo-labs/entrack/internal/logger"
	"github.com/gxo-labs/entrack/internal/metrics"
	"github.com/gxo-labs/entrack/internal/objectcontext"
	"github.com/gxo-labs/entrack/internal/objectstate"
	"github.com/gxo-labs/entrack/internal/refresh"
	"github.com/gxo-labs/entrack/internal/tracing"
)

const (
	ExitSuccess         = 0
	ExitFailure         = 1
	ExitUsageError      = 2
	ExitTimeout         = 124
	ExitSigIntBase      = 128
	ExitSigInt          = ExitSigIntBase + int(syscall.SIGINT)
	ExitSigTerm         = ExitSigIntBase + int(syscall.SIGTERM)
	DefaultLogLevel     = "info"
	DefaultLogFmt       = "text"
	DefaultEventBusSize = 256
	DefaultEnvFile      = ".env"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}
	switch os.Args[1] {
	case "--version", "-version", "version":
		printVersion()
		os.Exit(ExitSuccess)
	case "validate":
		os.Exit(runValidateCommand(os.Args[2:]))
	case "inspect":
		os.Exit(runInspectCommand(os.Args[2:]))
	case "refresh":
		os.Exit(runRefreshCommand(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", os.Args[1])
		printUsage()
		os.Exit(ExitUsageError)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [flags...]\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  validate   Validate a model file")
	fmt.Fprintln(os.Stderr, "  inspect    Load entity sets from the configured store and report identity map state")
	fmt.Fprintln(os.Stderr, "  refresh    Load an entity set and refresh it from the store")
	fmt.Fprintln(os.Stderr, "  --version  Print version information")
}

func printVersion() {
	fmt.Printf("entrack version %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
	fmt.Printf("go version: %s\n", runtime.Version())
	fmt.Printf("os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// commonFlags are shared by every command that loads a model.
type commonFlags struct {
	modelPath *string
	logLevel  *string
	logFormat *string
	envFile   *string
	timeout   *time.Duration
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		modelPath: fs.String("model", "", "Path to the model file, YAML or TOML (required)"),
		logLevel:  fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)"),
		logFormat: fs.String("log-format", DefaultLogFmt, "Log format (text, json)"),
		envFile:   fs.String("env-file", DefaultEnvFile, "Dotenv file loaded before resolving connection secrets; ignored when missing"),
		timeout:   fs.Duration("timeout", 0, "Abort the command after this long (0 disables)"),
	}
}

func (f *commonFlags) check(fs *flag.FlagSet) bool {
	if *f.modelPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -model flag is required")
		fs.Usage()
		return false
	}
	if *f.logFormat != "text" && *f.logFormat != "json" {
		fmt.Fprintln(os.Stderr, "Error: -log-format must be 'text' or 'json'")
		return false
	}
	return true
}

func loadModel(log entracklog.Logger, path string) (*config.Model, error) {
	model, err := config.LoadModelFromFile(path)
	if err != nil {
		var validationErr *entrackerrors.ValidationError
		var configErr *entrackerrors.ConfigError
		if errors.As(err, &validationErr) {
			log.Errorf("Model validation failed:\n%s", validationErr.Error())
		} else if errors.As(err, &configErr) {
			log.Errorf("Model configuration error:\n%s", configErr.Error())
		} else {
			log.Errorf("Failed to load or validate model: %v", err)
		}
		return nil, err
	}
	return model, nil
}

func runValidateCommand(args []string) int {
	validateFlags := flag.NewFlagSet("validate", flag.ContinueOnError)
	modelPath := validateFlags.String("model", "", "Path to the model file to validate (required)")
	logLevel := validateFlags.String("log-level", DefaultLogLevel, "Log level for validation output (debug, info, warn, error)")

	validateFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s validate -model <path> [flags...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Validates the structure and schema compatibility of an entrack model.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		validateFlags.PrintDefaults()
	}
	if err := validateFlags.Parse(args); err != nil {
		return ExitUsageError
	}
	if *modelPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -model flag is required for validation")
		validateFlags.Usage()
		return ExitUsageError
	}

	log := logger.NewLogger(*logLevel, "text", os.Stderr)
	log.Infof("Validating model: %s", *modelPath)
	model, err := loadModel(log, *modelPath)
	if err != nil {
		return ExitFailure
	}
	log.Infof("Model validation successful: %s (%d entity sets, %d associations)", *modelPath, len(model.EntitySets), len(model.Associations))
	return ExitSuccess
}

// session is everything a store-backed command runs with.
type session struct {
	log      entracklog.Logger
	oc       *objectcontext.ObjectContext
	ctx      context.Context
	shutdown func()

	sigMu    sync.Mutex
	received os.Signal
}

func (s *session) signal() os.Signal {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	return s.received
}

func openSession(f *commonFlags) (*session, error) {
	log := logger.NewLogger(*f.logLevel, *f.logFormat, os.Stderr)
	log = log.With("entrack_version", version)

	if *f.envFile != "" {
		if err := godotenv.Load(*f.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf("Failed to load env file '%s': %v", *f.envFile, err)
		}
	}
	model, err := loadModel(log, *f.modelPath)
	if err != nil {
		return nil, err
	}

	s := &session{log: log}
	var ctx context.Context
	var cancel context.CancelFunc
	if *f.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), *f.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	s.ctx = ctx

	eventBus := events.NewChannelEventBus(DefaultEventBusSize, log)
	metricsProvider := metrics.NewPrometheusRegistryProvider()
	tracerProvider := tracing.NewProvider(ctx, tracing.ExporterConfig{ServiceName: "entrack"}, log)
	listener := events.NewMetricsEventListener(eventBus, metricsProvider.Registry(), log)
	listenerCtx, stopListener := context.WithCancel(context.Background())
	go listener.Start(listenerCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Cancelling...", sig)
			s.sigMu.Lock()
			s.received = sig
			s.sigMu.Unlock()
			cancel()
		case <-ctx.Done():
		}
	}()

	oc, err := objectcontext.NewFromModel(ctx, model, log,
		entrack.WithEventBus(eventBus),
		entrack.WithMetricsRegistryProvider(metricsProvider),
		entrack.WithTracerProvider(tracerProvider),
	)
	s.shutdown = func() {
		if s.oc != nil {
			if err := s.oc.Close(); err != nil {
				log.Warnf("Error closing context: %v", err)
			}
		}
		cancel()
		wg.Wait()
		signal.Stop(sigChan)
		stopListener()
		eventBus.Close()
		if dropped := eventBus.Dropped(); dropped > 0 {
			log.Debugf("Event bus dropped %d events", dropped)
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Error shutting down tracer provider: %v", err)
		}
	}
	if err != nil {
		log.Errorf("Failed to create object context: %v", err)
		s.shutdown()
		return nil, err
	}
	s.oc = oc
	return s, nil
}

func runInspectCommand(args []string) int {
	inspectFlags := flag.NewFlagSet("inspect", flag.ContinueOnError)
	common := addCommonFlags(inspectFlags)
	setName := inspectFlags.String("set", "", "Inspect only this entity set")
	inspectFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s inspect -model <path> [-set <name>] [flags...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Loads entity sets from the configured store and reports identity map state.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		inspectFlags.PrintDefaults()
	}
	if err := inspectFlags.Parse(args); err != nil {
		return ExitUsageError
	}
	if !common.check(inspectFlags) {
		return ExitUsageError
	}

	s, err := openSession(common)
	if err != nil {
		return ExitFailure
	}
	defer s.shutdown()

	var sets []string
	if *setName != "" {
		sets = []string{*setName}
	} else {
		for _, es := range s.oc.Workspace().EntitySets() {
			sets = append(sets, es.Name)
		}
	}

	out := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(out, "ENTITY SET\tROWS")
	for _, name := range sets {
		loaded, err := s.oc.ExecuteQuery(s.ctx, name, entrack.AppendOnly)
		if err != nil {
			s.log.Errorf("Query of '%s' failed: %v", name, err)
			return determineExitCode(err, s.signal(), s.log)
		}
		fmt.Fprintf(out, "%s\t%d\n", name, len(loaded))
	}
	_ = out.Flush()
	printStateSummary(s.oc)
	return determineExitCode(nil, s.signal(), s.log)
}

func runRefreshCommand(args []string) int {
	refreshFlags := flag.NewFlagSet("refresh", flag.ContinueOnError)
	common := addCommonFlags(refreshFlags)
	setName := refreshFlags.String("set", "", "Entity set to load and refresh (required)")
	modeName := refreshFlags.String("mode", "store", "Refresh mode: store (StoreWins) or client (ClientWins)")
	refreshFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s refresh -model <path> -set <name> [-mode store|client] [flags...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Loads an entity set and refreshes every loaded entity from the store.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		refreshFlags.PrintDefaults()
	}
	if err := refreshFlags.Parse(args); err != nil {
		return ExitUsageError
	}
	if !common.check(refreshFlags) {
		return ExitUsageError
	}
	if *setName == "" {
		fmt.Fprintln(os.Stderr, "Error: -set flag is required")
		refreshFlags.Usage()
		return ExitUsageError
	}
	mode, err := refresh.ParseMode(*modeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitUsageError
	}

	s, err := openSession(common)
	if err != nil {
		return ExitFailure
	}
	defer s.shutdown()

	loaded, err := s.oc.ExecuteQuery(s.ctx, *setName, entrack.AppendOnly)
	if err != nil {
		s.log.Errorf("Query of '%s' failed: %v", *setName, err)
		return determineExitCode(err, s.signal(), s.log)
	}
	res, err := s.oc.RefreshWithResult(s.ctx, mode, loaded)
	if err != nil {
		s.log.Errorf("Refresh of '%s' failed: %v", *setName, err)
		return determineExitCode(err, s.signal(), s.log)
	}
	fmt.Printf("Refreshed %s with %s: requested=%d reconciled=%d removed=%d batches=%d\n",
		*setName, mode, res.Requested, res.Reconciled, res.Removed, res.Batches)
	printStateSummary(s.oc)
	return determineExitCode(nil, s.signal(), s.log)
}

func printStateSummary(oc *objectcontext.ObjectContext) {
	m := oc.StateManager()
	out := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(out, "\nSTATE\tENTRIES")
	for _, st := range []objectstate.EntityState{objectstate.Unchanged, objectstate.Modified, objectstate.Added, objectstate.Deleted} {
		fmt.Fprintf(out, "%s\t%d\n", st, m.Count(st))
	}
	fmt.Fprintf(out, "key stubs\t%d\n", len(m.KeyStubs()))
	fmt.Fprintf(out, "relationships\t%d\n", len(m.RelationshipEntries(objectstate.AllTracked)))
	_ = out.Flush()
}

func determineExitCode(err error, sig os.Signal, log entracklog.Logger) int {
	if err == nil {
		return ExitSuccess
	}
	switch {
	case errors.Is(err, context.Canceled) && sig != nil:
		switch sig {
		case syscall.SIGINT:
			log.Warnf("Interrupted by signal: SIGINT")
			return ExitSigInt
		case syscall.SIGTERM:
			log.Warnf("Terminated by signal: SIGTERM")
			return ExitSigTerm
		}
		log.Warnf("Terminated by signal: %v", sig)
	case errors.Is(err, context.DeadlineExceeded):
		log.Errorf("Command timed out.")
		return ExitTimeout
	}
	return ExitFailure
}
