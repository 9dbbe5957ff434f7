// Command meraki-report collects organization, inventory and client
// statistics from the Meraki dashboard API and writes them as a JSON or
// YAML report.
//
// Usage:
//
//	MERAKI_API_KEY=... meraki-report -o 123456,654321 -d 14 --output report.json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/meraki-report/internal/config"
	"github.com/Sternrassler/meraki-report/pkg/cache"
	"github.com/Sternrassler/meraki-report/pkg/client"
	"github.com/Sternrassler/meraki-report/pkg/collector"
	"github.com/Sternrassler/meraki-report/pkg/logging"
	"github.com/Sternrassler/meraki-report/pkg/metrics"
	"github.com/Sternrassler/meraki-report/pkg/ratelimit"
	"github.com/Sternrassler/meraki-report/pkg/report"
	"github.com/rs/zerolog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	configPath       string
	orgs             string
	days             int
	output           string
	metricsFile      string
	store            string
	debug            bool
	includeInventory bool
}

func parseFlags(args []string, stderr io.Writer) (*options, map[string]bool, error) {
	opts := &options{}
	fs := flag.NewFlagSet("meraki-report", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&opts.orgs, "o", "", "comma-separated organization ids")
	fs.StringVar(&opts.orgs, "orgs", "", "comma-separated organization ids")
	fs.IntVar(&opts.days, "d", 0, "number of days to collect client data for")
	fs.IntVar(&opts.days, "days", 0, "number of days to collect client data for")
	fs.StringVar(&opts.output, "output", "", "report file (.json, .yaml or .yml)")
	fs.StringVar(&opts.metricsFile, "metrics-file", "", "write a Prometheus text snapshot here at exit")
	fs.StringVar(&opts.store, "store", "", "problematic network store: memory, file, redis or badger")
	fs.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&opts.includeInventory, "include-inventory", false, "include the full device list in the report")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return opts, set, nil
}

// applyFlags overrides configuration values with explicitly set flags.
func applyFlags(cfg *config.Config, opts *options, set map[string]bool) {
	if set["o"] || set["orgs"] {
		cfg.OrgIDs = nil
		for _, id := range strings.Split(opts.orgs, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.OrgIDs = append(cfg.OrgIDs, id)
			}
		}
	}
	if set["d"] || set["days"] {
		cfg.Days = opts.days
	}
	if set["output"] {
		cfg.Output = opts.output
	}
	if set["metrics-file"] {
		cfg.MetricsFile = opts.metricsFile
	}
	if set["store"] {
		cfg.Store.Backend = opts.store
	}
	if set["include-inventory"] {
		cfg.IncludeInventory = opts.includeInventory
	}
	if opts.debug {
		cfg.Logging.Level = string(logging.LevelDebug)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, set, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := config.Load(opts.configPath)
	if errors.Is(err, client.ErrMissingAPIKey) {
		fmt.Fprintln(stderr, "Error: MERAKI_API_KEY is not set")
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	applyFlags(cfg, opts, set)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(cfg.OrgIDs) == 0 {
		fmt.Fprintln(stderr, "Error: no organization ids (use -o or MERAKI_ORG_IDS)")
		return 1
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Output = stderr
	logger := logging.New(logCfg)
	cliLog := logging.Component(logger, "cli")

	sink, err := report.NewFileSink(cfg.Output, logger)
	if err != nil {
		cliLog.Error().Err(err).Str("output", cfg.Output).Msg("Invalid output file")
		return 1
	}

	if cfg.MetricsFile != "" {
		defer func() {
			if err := metrics.WriteFile(cfg.MetricsFile, nil); err != nil {
				cliLog.Warn().Err(err).Str("path", cfg.MetricsFile).Msg("Failed to write metrics snapshot")
			}
		}()
	}

	result, err := collect(ctx, cfg, logger)
	if err != nil {
		cliLog.Error().Err(err).Msg("Collection failed")
		return 1
	}

	doc := report.Build(result, time.Now(), report.Options{IncludeInventory: cfg.IncludeInventory})
	if err := sink.Write(context.WithoutCancel(ctx), doc); err != nil {
		cliLog.Error().Err(err).Msg("Failed to write report")
		return 1
	}

	printSummary(stdout, result, sink.Path())
	return 0
}

// collect wires the collection stack for one run.
func collect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*collector.Result, error) {
	api, err := client.New(cfg.ClientConfig(), logger)
	if err != nil {
		return nil, err
	}

	governor, err := ratelimit.NewGovernor(cfg.GovernorConfig(), logger)
	if err != nil {
		return nil, err
	}
	invoker := client.NewInvoker(governor, cfg.InvokerConfig(), logger)
	tracker := ratelimit.NewTracker(logger)

	store, err := cache.Open(ctx, cfg.Store, logger)
	if err != nil {
		cliLog := logging.Component(logger, "cli")
		cliLog.Warn().Err(err).Str("backend", cfg.Store.Backend).Msg("Problematic store unavailable, using memory")
		store = cache.NewMemory()
	}
	defer store.Close()

	col := collector.New(api, invoker, tracker, store, cfg.CollectorConfig(), logger)
	return col.Collect(ctx, cfg.OrgIDs, cfg.Days)
}

func printSummary(w io.Writer, r *collector.Result, path string) {
	fmt.Fprintf(w, "Run %s\n", r.RunID)
	for _, org := range r.Organizations {
		fmt.Fprintf(w, "  Organization %s: %s\n", org.ID, org.Name)
	}
	fmt.Fprintf(w, "  Networks: %d  Inventory: %d  Active nodes: %d\n",
		r.Dashboard.TotalNetworks, r.Dashboard.TotalInventory, r.Dashboard.TotalActiveNodes)
	if r.Clients != nil {
		fmt.Fprintf(w, "  Unique clients (%d days): %d  Average per day: %.1f\n",
			r.Days, r.Clients.TotalDeduped, r.Clients.AverageUnique)
	}
	fmt.Fprintf(w, "  Concurrency limit: %d%s\n", r.Governor.Limit, limitNote(r.Governor))
	if !r.Complete() {
		fmt.Fprintln(w, "  Warning: some data could not be collected, see the report diagnostics")
	}
	fmt.Fprintf(w, "Report written to %s\n", path)
}

func limitNote(s ratelimit.Snapshot) string {
	switch {
	case s.AtFloor():
		return " (at minimum, rate limited)"
	case s.AtCeiling():
		return " (at maximum)"
	}
	return ""
}
