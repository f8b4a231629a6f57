// Command procview-dump fetches process statistics once and prints the
// aggregated records, either from the stats API or from the local host.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/skobkin/procview/internal/localstats"
	"github.com/skobkin/procview/internal/longview"
	"github.com/skobkin/procview/internal/processes"
)

type options struct {
	apiKey        string
	baseURL       string
	local         bool
	localWindow   time.Duration
	filter        string
	mode          string
	caseSensitive bool
	jsonOutput    bool
	timeout       time.Duration
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.apiKey, "key", os.Getenv("APP_LONGVIEW_API_KEY"), "Client API key")
	flag.StringVar(&opts.baseURL, "url", envOrDefault("APP_LONGVIEW_URL", longview.DefaultBaseURL), "Stats API endpoint")
	flag.BoolVar(&opts.local, "local", false, "Sample the local host instead of the API")
	flag.DurationVar(&opts.localWindow, "window", 2*time.Second, "Local sampling window used for rates")
	flag.StringVar(&opts.filter, "filter", "", "Filter records by process or user name")
	flag.StringVar(&opts.mode, "mode", string(processes.MatchRegex), "Filter mode: regex or substring")
	flag.BoolVar(&opts.caseSensitive, "case", false, "Case-sensitive filtering")
	flag.BoolVar(&opts.jsonOutput, "json", false, "Emit records as JSON")
	flag.DurationVar(&opts.timeout, "timeout", 15*time.Second, "Overall timeout")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	mode, err := processes.ParseMatchMode(opts.mode)
	if err != nil {
		logger.Error("invalid filter mode", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	raw, err := fetch(ctx, opts, logger)
	if err != nil {
		logger.Error("fetch processes failed", "err", err)
		os.Exit(1)
	}

	records := processes.Filter(processes.Extend(&raw), opts.filter, processes.FilterOptions{
		Mode:          mode,
		CaseSensitive: opts.caseSensitive,
	})

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			logger.Error("encode records", "err", err)
			os.Exit(1)
		}
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "PROCESS\tUSER\tMAX COUNT\tAVG IO KiB/s\tAVG CPU %\tAVG MEM KiB\t")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%.0f\t%.2f\t%.2f\t%.0f\t\n", r.Name, r.User, r.MaxCount, r.AverageIO, r.AverageCPU, r.AverageMem)
	}
	if err := tw.Flush(); err != nil {
		logger.Error("write table", "err", err)
		os.Exit(1)
	}
}

func fetch(ctx context.Context, opts options, logger *slog.Logger) (longview.Processes, error) {
	if opts.local {
		return sampleLocal(ctx, opts.localWindow, logger)
	}
	if opts.apiKey == "" {
		return longview.Processes{}, fmt.Errorf("no API key: pass -key, set APP_LONGVIEW_API_KEY or use -local")
	}

	client, err := longview.NewClient(longview.ClientOptions{
		BaseURL: opts.baseURL,
		Timeout: opts.timeout,
		Logger:  logger.With("component", "longview_client"),
	})
	if err != nil {
		return longview.Processes{}, err
	}
	return client.Processes(ctx, opts.apiKey)
}

// sampleLocal runs the collector long enough for two scans so rates are populated.
func sampleLocal(ctx context.Context, window time.Duration, logger *slog.Logger) (longview.Processes, error) {
	collector, err := localstats.NewCollector(window, 2, nil, logger)
	if err != nil {
		return longview.Processes{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, window+window/2)
	defer cancel()
	if err := collector.Run(runCtx); err != nil {
		return longview.Processes{}, err
	}
	if ctx.Err() != nil {
		return longview.Processes{}, ctx.Err()
	}
	return collector.Processes(ctx, "")
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
