package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/Lllllllleong/pdfocrflow/internal/cache"
	"github.com/Lllllllleong/pdfocrflow/internal/gcp"
	"github.com/Lllllllleong/pdfocrflow/internal/models"
	"github.com/Lllllllleong/pdfocrflow/internal/ocr"
	"github.com/Lllllllleong/pdfocrflow/internal/pdfdoc"
	"github.com/Lllllllleong/pdfocrflow/internal/services"
)

type options struct {
	pdfPath   string
	startPage int
	endPage   int
	outPath   string
	stats     bool
	sweep     bool
	verbose   bool
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ocr-cli: %v\n", err)
		os.Exit(2)
	}
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, opts); err != nil {
		color.Red("ocr-cli: %v", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var opts options
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: ocr-cli [flags] <pdf>\n")
		fmt.Fprintf(flag.CommandLine.Output(), "       ocr-cli -stats | -sweep\n\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nThe model and pipeline are configured with the OCR_* environment variables.\n")
	}
	flag.IntVar(&opts.startPage, "start", 1, "First page to OCR (1-based)")
	flag.IntVar(&opts.endPage, "end", 0, "Last page to OCR; 0 means the last page of the document")
	flag.StringVar(&opts.outPath, "out", "", "Text output path (default <pdf name>_pages_<start>-<end>.txt)")
	flag.BoolVar(&opts.stats, "stats", false, "Print cache statistics and exit")
	flag.BoolVar(&opts.sweep, "sweep", false, "Delete expired cache entries and exit")
	flag.BoolVar(&opts.verbose, "v", false, "Log pipeline events to stderr")
	flag.Parse()

	if opts.stats || opts.sweep {
		return opts, nil
	}
	if flag.NArg() != 1 {
		flag.Usage()
		return options{}, fmt.Errorf("missing pdf path")
	}
	opts.pdfPath = flag.Arg(0)
	return opts, nil
}

func run(ctx context.Context, opts options) error {
	config, err := services.LoadOCRConfig()
	if err != nil {
		return err
	}
	store, err := cache.OpenBunt(config.CacheDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	switch {
	case opts.stats:
		return printStats(ctx, store, config.RetentionDays())
	case opts.sweep:
		stats, err := store.Sweep(ctx, config.Pipeline.CacheRetention)
		if err != nil {
			return err
		}
		color.Green("Removed %d expired and %d idle cache entries", stats.Expired, stats.Idle)
		return nil
	}

	doc, err := pdfdoc.Open(opts.pdfPath)
	if err != nil {
		return err
	}
	if opts.endPage == 0 {
		if opts.endPage, err = doc.PageCount(ctx); err != nil {
			return err
		}
	}

	if config.ProjectID == "" {
		return errors.New("PROJECT_ID environment variable must be set")
	}
	vertexClient, err := gcp.NewVertexClient(ctx, config.ProjectID, config.Region, config.Model)
	if err != nil {
		return err
	}
	defer vertexClient.Close()

	pipeline, err := ocr.New(vertexClient, store, config.Pipeline)
	if err != nil {
		return err
	}
	defer pipeline.Wait()

	result, err := pipeline.RunBatch(ctx, doc, opts.startPage, opts.endPage, func(msg string) {
		color.Cyan("  %s", msg)
	})
	if err != nil {
		return err
	}

	outPath := opts.outPath
	if outPath == "" {
		base := strings.TrimSuffix(filepath.Base(opts.pdfPath), filepath.Ext(opts.pdfPath))
		outPath = fmt.Sprintf("%s_pages_%d-%d.txt", base, opts.startPage, opts.endPage)
	}
	if err := os.WriteFile(outPath, []byte(result.FullText), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outPath, err)
	}

	printResult(result)
	fmt.Printf("Text written to %s\n", outPath)
	return nil
}

func printResult(result *models.BatchResult) {
	color.Green("%s", result.Summary)
	fmt.Printf("Tokens: %d in, %d out. Cache hit rate %.1f%%. %d retries in %s.\n",
		result.TotalInputTokens, result.TotalOutputTokens, result.CacheHitRate*100,
		result.RetryCount, result.ProcessingTime.Round(time.Millisecond))
	if len(result.DegradedPages) > 0 {
		color.Yellow("Pages without clean page markers: %v", result.DegradedPages)
	}
	for _, p := range result.FailedPages {
		color.Red("Page %d failed: %s", p.Page, p.Error)
	}
}

func printStats(ctx context.Context, store *cache.BuntStore, retentionDays int) error {
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	stats.RetentionDays = retentionDays
	fmt.Printf("Entries:        %d\n", stats.TotalEntries)
	fmt.Printf("Last 24 hours:  %d\n", stats.RecentEntries)
	fmt.Printf("Tokens saved:   %d\n", stats.TotalTokensSaved)
	fmt.Printf("Retention days: %d\n", stats.RetentionDays)
	return nil
}
