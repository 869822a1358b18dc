// Package main provides the CLI entry point for the Markov workload generator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/example/erp/tools/markovgen/internal/behavior"
	"github.com/example/erp/tools/markovgen/internal/config"
	"github.com/example/erp/tools/markovgen/internal/graph"
	"github.com/example/erp/tools/markovgen/internal/loadctrl"
	"github.com/example/erp/tools/markovgen/internal/logger"
	"github.com/example/erp/tools/markovgen/internal/metrics"
	"github.com/example/erp/tools/markovgen/internal/runner"
)

// Version information (populated at build time)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cli holds the parsed flags of one invocation.
type cli struct {
	configPath     string
	openapiPath    string
	templatePath   string
	duration       time.Duration
	users          int
	startRate      float64
	seed           uint64
	prometheusAddr string
	arrivalLog     string
	summaryFile    string
	verbose        bool
	validate       bool
	dryRun         bool
	showVersion    bool

	stdout io.Writer
	stderr io.Writer
}

func newFlagSet(c *cli) *flag.FlagSet {
	fs := flag.NewFlagSet("markovgen", flag.ContinueOnError)
	fs.SetOutput(c.stderr)

	// Configuration
	fs.StringVar(&c.configPath, "config", "", "Path to the YAML configuration file")
	fs.StringVar(&c.configPath, "c", "", "Path to the YAML configuration file (shorthand)")
	fs.StringVar(&c.openapiPath, "openapi", "", "Path to an OpenAPI document to import states from")
	fs.StringVar(&c.openapiPath, "o", "", "Path to an OpenAPI document (shorthand)")

	// Override flags
	fs.DurationVar(&c.duration, "duration", 0, "Override run duration (e.g., 5m, 1h)")
	fs.DurationVar(&c.duration, "d", 0, "Override run duration (shorthand)")
	fs.IntVar(&c.users, "concurrency", 0, "Override the number of concurrent users")
	fs.Float64Var(&c.startRate, "start-rate", 0, "Override the maximum session starts per second")
	fs.Uint64Var(&c.seed, "seed", 0, "Override the random seed")

	// Utility flags
	fs.StringVar(&c.templatePath, "template", "", "Write a behavior model template for the configured states and exit")
	fs.BoolVar(&c.validate, "validate", false, "Validate configuration and behavior models and exit")
	fs.BoolVar(&c.dryRun, "dry-run", false, "Show the run plan without running")
	fs.BoolVar(&c.verbose, "verbose", false, "Enable debug logging")
	fs.BoolVar(&c.verbose, "v", false, "Enable debug logging (shorthand)")
	fs.BoolVar(&c.showVersion, "version", false, "Show version information")

	// Output flags
	fs.StringVar(&c.prometheusAddr, "prometheus", "", "Prometheus metrics endpoint (e.g., :9090 or localhost:9090)")
	fs.StringVar(&c.arrivalLog, "arrival-log", "", "Write the active-session log to this file")
	fs.StringVar(&c.summaryFile, "summary-file", "", "Write the run summary as JSON (supports {{.Timestamp}})")

	fs.Usage = func() { printUsage(c.stderr) }
	return fs
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `markovgen - Markov Chain Workload Generator

USAGE:
    markovgen -config <path> [options]
    markovgen -openapi <path> [-template <file>]   (List states of an OpenAPI document)

DESCRIPTION:
    Simulates virtual users that navigate an application as Markov chains.
    Each session draws a behavior model from a weighted mix and walks the
    state graph with the model's transition probabilities, guards and think
    times. An optional arrival gate bounds the number of active sessions
    with a time-varying capacity profile.

CONFIGURATION:
    -config, -c <path>    Path to the YAML configuration file
    -openapi, -o <path>   Path to an OpenAPI document (YAML or JSON)

OVERRIDE OPTIONS:
    -duration, -d <dur>   Override run duration (e.g., "5m", "1h30m")
    -concurrency <n>      Override the number of concurrent users
    -start-rate <n>       Override the maximum session starts per second
    -seed <n>             Override the random seed

UTILITY OPTIONS:
    -template <file>      Write a behavior model template and exit
    -validate             Validate configuration and behavior models and exit
    -dry-run              Show the run plan without running
    -verbose, -v          Enable debug logging
    -version              Show version information
    -help, -h             Show this help message

OUTPUT OPTIONS:
    -prometheus <addr>    Enable Prometheus metrics endpoint (e.g., :9090)
    -arrival-log <file>   Write "minutes,active" samples of the arrival gate
    -summary-file <file>  Write the run summary as JSON

EXAMPLES:
    # Run a workload
    markovgen -config configs/shop.yaml

    # Run for ten minutes with 50 users and a fixed seed
    markovgen -config configs/shop.yaml -duration 10m -concurrency 50 -seed 42

    # Check the configuration and every behavior model
    markovgen -config configs/shop.yaml -validate

    # Create a behavior model skeleton to fill in
    markovgen -config configs/shop.yaml -template models/new.csv

    # List the states an OpenAPI document would contribute
    markovgen -openapi api/openapi.yaml
`)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}
	fs := newFlagSet(c)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if c.showVersion {
		c.printVersion()
		return 0
	}

	if c.configPath == "" {
		if c.openapiPath != "" {
			return c.handleOpenAPI()
		}
		fmt.Fprintln(stderr, "Error: -config or -openapi flag is required")
		fmt.Fprintln(stderr)
		printUsage(stderr)
		return 1
	}

	absConfigPath, err := filepath.Abs(c.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error resolving config path: %v\n", err)
		return 1
	}
	cfg, err := config.LoadFromFile(absConfigPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading configuration: %v\n", err)
		return 1
	}
	if err := c.applyOverrides(cfg); err != nil {
		fmt.Fprintf(stderr, "Error applying overrides: %v\n", err)
		return 1
	}

	switch {
	case c.templatePath != "":
		g, err := runner.BuildGraph(cfg)
		if err != nil {
			fmt.Fprintf(stderr, "Error building state graph: %v\n", err)
			return 1
		}
		return c.writeTemplate(g)

	case c.validate:
		if err := checkModels(cfg); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Configuration '%s' is valid.\n", cfg.Name)
		c.printConfigSummary(cfg)
		return 0

	case c.dryRun:
		if err := c.printPlan(cfg); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := c.runWorkload(ctx, cfg); err != nil {
		fmt.Fprintf(stderr, "Error running workload: %v\n", err)
		return 1
	}
	return 0
}

func (c *cli) printVersion() {
	fmt.Fprintf(c.stdout, "markovgen version %s\n", version)
	fmt.Fprintf(c.stdout, "  Build time: %s\n", buildTime)
	fmt.Fprintf(c.stdout, "  Git commit: %s\n", gitCommit)
}

func (c *cli) applyOverrides(cfg *config.Config) error {
	if c.duration > 0 {
		cfg.Duration = c.duration
	}
	if c.users > 0 {
		cfg.Sessions.Users = c.users
	}
	if c.startRate > 0 {
		cfg.Sessions.StartRate = c.startRate
	}
	if c.seed > 0 {
		cfg.Seed = c.seed
	}
	if c.openapiPath != "" {
		abs, err := filepath.Abs(c.openapiPath)
		if err != nil {
			return err
		}
		cfg.OpenAPI = abs
	}
	if c.prometheusAddr != "" {
		cfg.Output.Prometheus.Enabled = true
		cfg.Output.Prometheus.Addr = c.prometheusAddr
	}
	if c.arrivalLog != "" {
		cfg.Arrival.Log.Enabled = true
		cfg.Arrival.Log.File = c.arrivalLog
	}
	if c.summaryFile != "" {
		cfg.Output.SummaryFile = c.summaryFile
	}
	if c.verbose {
		cfg.Output.Logging.Level = "debug"
	}
	return nil
}

// checkModels loads every behavior model of cfg against its state graph.
func checkModels(cfg *config.Config) error {
	g, err := runner.BuildGraph(cfg)
	if err != nil {
		return fmt.Errorf("building state graph: %w", err)
	}
	mix, err := runner.BuildMix(cfg)
	if err != nil {
		return fmt.Errorf("building behavior mix: %w", err)
	}
	return mix.Initialize(behavior.NewLoader(nil), g.NameToID())
}

func (c *cli) printConfigSummary(cfg *config.Config) {
	out := c.stdout
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration Summary:")
	fmt.Fprintf(out, "  Name:        %s\n", cfg.Name)
	fmt.Fprintf(out, "  Workload:    %s\n", cfg.Workload)
	fmt.Fprintf(out, "  Duration:    %v\n", cfg.Duration)
	fmt.Fprintf(out, "  Users:       %d\n", cfg.Sessions.Users)
	fmt.Fprintf(out, "  States:      %d\n", len(cfg.States))
	fmt.Fprintf(out, "  Behaviors:   %d\n", len(cfg.BehaviorMix))
	fmt.Fprintf(out, "  Executor:    %s\n", cfg.Executor.Type)
	if cfg.Arrival.Enabled {
		fmt.Fprintf(out, "  Arrival:     %s\n", cfg.Arrival.Capacity.Type)
	} else {
		fmt.Fprintf(out, "  Arrival:     disabled\n")
	}
}

func (c *cli) printPlan(cfg *config.Config) error {
	out := c.stdout
	g, err := runner.BuildGraph(cfg)
	if err != nil {
		return fmt.Errorf("building state graph: %w", err)
	}

	fmt.Fprintln(out, "=== Run Plan (Dry Run) ===")
	c.printConfigSummary(cfg)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "States:")
	for _, st := range g.States() {
		enabled := 0
		for _, t := range st.Transitions {
			if !t.Disabled {
				enabled++
			}
		}
		req := "-"
		if st.Request != nil {
			req = fmt.Sprintf("%s %s", methodName(st.Request), st.Request.URL)
		}
		fmt.Fprintf(out, "  %-30s transitions:%-3d %s\n", st.Name, enabled, req)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Behavior Mix:")
	total := 0.0
	for _, b := range cfg.BehaviorMix {
		total += b.Frequency
	}
	for _, b := range cfg.BehaviorMix {
		pct := 0.0
		if total > 0 {
			pct = b.Frequency / total * 100
		}
		fmt.Fprintf(out, "  %-30s %5.1f%%  %s\n", b.Name, pct, b.File)
	}

	if cfg.Arrival.Enabled {
		profile, err := loadctrl.NewProfile(cfg.Arrival.Capacity)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Capacity Profile (%s):\n", profile.Name())
		for i := range 5 {
			at := cfg.Duration * time.Duration(i) / 4
			capacity := "unlimited"
			if n := profile.Capacity(at); n > 0 {
				capacity = fmt.Sprint(n)
			}
			fmt.Fprintf(out, "  t=%-10v %-10s %s\n", at, capacity, profile.Phase(at))
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Ready to execute. Remove -dry-run flag to start the run.")
	return nil
}

func (c *cli) runWorkload(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(&cfg.Output.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	summary := metrics.NewSummary()
	observers := metrics.Multi{summary}

	if cfg.Output.Prometheus.Enabled {
		exporter := metrics.NewPrometheusExporter(metrics.PrometheusExporterConfig{
			Addr: cfg.Output.Prometheus.Addr,
			Path: cfg.Output.Prometheus.Path,
		})
		if err := exporter.Start(); err != nil {
			return fmt.Errorf("starting prometheus exporter: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := exporter.Stop(stopCtx); err != nil {
				log.Warn("stopping prometheus exporter", zap.Error(err))
			}
		}()
		log.Info("prometheus endpoint started", zap.String("addr", exporter.Addr()), zap.String("path", exporter.Path()))
		observers = append(observers, exporter)
	}

	r, err := runner.New(cfg, runner.Options{Logger: log, Observer: observers})
	if err != nil {
		return err
	}
	runErr := r.Run(ctx)

	snap := summary.Snapshot()
	if cfg.SummaryEnabled() {
		metrics.Print(c.stdout, snap)
	}
	if cfg.Output.SummaryFile != "" {
		if err := metrics.WriteJSON(cfg.Output.SummaryFile, snap); err != nil {
			log.Error("writing summary file", zap.Error(err))
			if runErr == nil {
				runErr = err
			}
		}
	}
	return runErr
}

func (c *cli) handleOpenAPI() int {
	absPath, err := filepath.Abs(c.openapiPath)
	if err != nil {
		fmt.Fprintf(c.stderr, "Error resolving OpenAPI path: %v\n", err)
		return 1
	}
	g, err := graph.FromOpenAPI(absPath)
	if err != nil {
		fmt.Fprintf(c.stderr, "Error parsing OpenAPI document: %v\n", err)
		return 1
	}

	if c.templatePath != "" {
		return c.writeTemplate(g)
	}

	fmt.Fprintf(c.stdout, "States from %s (%d):\n", filepath.Base(absPath), g.Len())
	for _, st := range g.States() {
		fmt.Fprintf(c.stdout, "  %-40s %-7s %s\n", st.Name, methodName(st.Request), st.Request.URL)
	}
	return 0
}

func (c *cli) writeTemplate(g *graph.Graph) int {
	states := g.States()
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = st.Name
	}
	if err := behavior.WriteTemplateFile(c.templatePath, names); err != nil {
		fmt.Fprintf(c.stderr, "Error writing template: %v\n", err)
		return 1
	}
	fmt.Fprintf(c.stdout, "Wrote behavior model template for %d states to %s\n", len(names), c.templatePath)
	return 0
}

func methodName(r *graph.Request) string {
	if r == nil || r.Method == "" {
		return "GET"
	}
	return r.Method
}
