package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"incidentbot/pkg/chat"
	"incidentbot/pkg/chat/telegram"
	"incidentbot/pkg/config"
	"incidentbot/pkg/lifecycle"
	"incidentbot/pkg/logx"
	"incidentbot/pkg/metrics"
	"incidentbot/pkg/report"
	"incidentbot/pkg/router"
	"incidentbot/pkg/scheduler"
	"incidentbot/pkg/store"
	"incidentbot/pkg/timeutil"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML config overrides")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "incidentbot: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logx.SetLevel(cfg.LogLevel)
	logger := logx.NewLogger("main")

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = s.Close() }()
	logger.Info("store ready at %s", cfg.DatabasePath)

	if cfg.BotToken == "" {
		return errors.New("BOT_TOKEN is required")
	}
	var adapter chat.Adapter
	adapter, err = telegram.New(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("connecting chat adapter: %w", err)
	}
	defer func() { _ = adapter.Close() }()

	reports, err := report.New(s, report.Options{
		Timezone:     cfg.ReportTimezone,
		WeekEndDay:   cfg.ReportWeekEndDay,
		TemplateText: loadTemplate(cfg.ReportTemplatePath, logger),
	})
	if err != nil {
		return fmt.Errorf("configuring reports: %w", err)
	}

	clock := timeutil.SystemClock{}
	engine := lifecycle.NewEngine(s, clock)
	rt := router.New(s, engine, adapter, reports, cfg, clock)
	sched := scheduler.New(s, engine, adapter, cfg, clock)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	if cfg.MetricsAddr != "" {
		srv := metrics.Serve(cfg.MetricsAddr)
		logger.Info("metrics listening on %s", cfg.MetricsAddr)
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	logger.Info("incidentbot running")

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

// loadTemplate reads an optional report template override. A missing or
// unreadable file falls back to the built-in template with a warning.
func loadTemplate(path string, logger *logx.Logger) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("reading report template %s: %v", path, err)
		return ""
	}
	return string(data)
}
