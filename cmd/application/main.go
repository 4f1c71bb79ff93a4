package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"goshopify_bulk/config"
	"goshopify_bulk/internal/shopify/app"
	"goshopify_bulk/metrics"
	"goshopify_bulk/pkg/logger"
)

type flags struct {
	configPath string
	updates    string
	runID      string
	dryRun     bool
	queryFile  string
	cancelID   string
	lookup     string
	logFile    string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("shopbulk", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "path to the YAML config file")
	fs.StringVar(&f.updates, "updates", "", "JSON file with an array of product updates")
	fs.StringVar(&f.runID, "run-id", "", "run identifier; a random one is generated when empty")
	fs.BoolVar(&f.dryRun, "dry-run", false, "validate the updates without calling Shopify")
	fs.StringVar(&f.queryFile, "query", "", "file with a bulk query to export instead of running updates")
	fs.StringVar(&f.cancelID, "cancel", "", "bulk operation id to cancel")
	fs.StringVar(&f.lookup, "lookup", "", "comma separated bulk operation ids to look up in the ledger")
	fs.StringVar(&f.logFile, "log-file", "", "also write JSON logs to this file")
	if err := fs.Parse(args); err != nil {
		return f, err
	}

	modes := 0
	for _, set := range []bool{f.updates != "", f.queryFile != "", f.cancelID != "", f.lookup != ""} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return f, errors.New("exactly one of -updates, -query, -cancel or -lookup is required")
	}
	if f.runID == "" {
		f.runID = uuid.NewString()
	}
	return f, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(f); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(f flags) error {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return err
	}
	if f.dryRun {
		cfg.Shopify.Bulk.DryRun = true
	}

	var logWriter io.Writer
	if f.logFile != "" {
		file, err := os.OpenFile(f.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer file.Close()
		logWriter = file
	}
	log, err := logger.New(cfg.Env, logWriter)
	if err != nil {
		return err
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := app.NewShopifyServer(cfg, log)
	defer server.Close()
	if err := server.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.MetricsHandler())
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("metrics server listening", zap.String("addr", cfg.Metrics.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
		return execute(gctx, server, f, log)
	})
	return g.Wait()
}

func execute(ctx context.Context, server *app.ShopifyServer, f flags, log *zap.Logger) error {
	switch {
	case f.queryFile != "":
		query, err := os.ReadFile(f.queryFile)
		if err != nil {
			return err
		}
		op, err := server.ExportQuery(ctx, string(query))
		if err != nil {
			return err
		}
		log.Info("bulk export finished", zap.String("op_id", op.ID), zap.String("url", op.URL), zap.Int64("object_count", op.ObjectCount))
		return nil

	case f.cancelID != "":
		op, err := server.Cancel(ctx, f.cancelID)
		if err != nil {
			return err
		}
		log.Info("cancel requested", zap.String("op_id", op.ID), zap.String("status", string(op.Status)))
		return nil

	case f.lookup != "":
		recs, err := server.Lookup(ctx, strings.Split(f.lookup, ","))
		if err != nil {
			return err
		}
		for _, r := range recs {
			log.Info("recorded bulk operation",
				zap.String("op_id", r.OperationID),
				zap.String("kind", r.Kind),
				zap.String("run_id", r.RunID),
				zap.String("status", string(r.Status)),
			)
		}
		return nil
	}

	specs, err := loadSpecs(f.updates)
	if err != nil {
		return err
	}
	report, err := server.RunUpdates(ctx, f.runID, specs)
	if err != nil {
		return err
	}
	log.Info("run finished", zap.String("run_id", report.RunID), zap.Bool("dry_run", report.DryRun), zap.String("op_id", report.Operation.ID))

	history, err := server.History(ctx, f.runID)
	if err != nil {
		log.Warn("failed to read run history", zap.Error(err))
		return nil
	}
	for _, r := range history {
		log.Info("run operation", zap.String("op_id", r.OperationID), zap.String("kind", r.Kind), zap.String("status", string(r.Status)))
	}
	return nil
}
