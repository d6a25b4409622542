package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/postpilot/internal/ai"
	"github.com/t77yq/postpilot/internal/browser"
	"github.com/t77yq/postpilot/internal/config"
	"github.com/t77yq/postpilot/internal/events"
	"github.com/t77yq/postpilot/internal/healing"
	"github.com/t77yq/postpilot/internal/knowledge"
	"github.com/t77yq/postpilot/internal/learning"
	"github.com/t77yq/postpilot/internal/manager"
	"github.com/t77yq/postpilot/internal/model"
	"github.com/t77yq/postpilot/internal/monitor"
	"github.com/t77yq/postpilot/internal/platform"
	"github.com/t77yq/postpilot/internal/scheduler"
	"github.com/t77yq/postpilot/internal/storage"
)

func newLogger(cfg config.AppConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func connectNATS(cfg config.NATSConfig, name string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var (
		nc  *nats.Conn
		err error
	)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.URLs[0], opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

// platformWorker bundles what one configured worker owns
type platformWorker struct {
	id      string
	browser *browser.Controller
}

func buildWorker(
	wc config.WorkerConfig,
	cfg *config.Config,
	registry *platform.Registry,
	mgr *manager.WorkerManager,
	store *knowledge.SQLiteStore,
	engine *learning.Engine,
	codegen *ai.CodeGenerator,
	logger *zap.Logger,
) (*platformWorker, error) {
	adapterName := wc.Adapter
	if adapterName == "" {
		adapterName = "webhook"
	}
	adapter, err := registry.New(adapterName, wc.ToAdapter(), logger)
	if err != nil {
		return nil, err
	}

	deps := healing.Dependencies{
		Worker:      platform.NewDispatcher(adapter, wc.PerMinute, wc.Burst, logger),
		Coordinator: mgr,
		Knowledge:   store,
		Learning:    engine,
	}

	pw := &platformWorker{}
	if cfg.Browser.Enabled {
		pw.browser = browser.NewController(cfg.ToBrowser(), logger.With(zap.String("worker", wc.Name)))
		deps.Browser = pw.browser
		deps.Scripts = browser.NewScriptExecutor(pw.browser, logger)
	}
	if codegen != nil {
		deps.CodeGen = codegen
	}

	hw, err := healing.NewSelfHealingWorker(wc.Platform, cfg.ToHealing(), deps, logger)
	if err != nil {
		return nil, err
	}

	info, err := mgr.CreateWorker(wc.Name, wc.Platform, hw)
	if err != nil {
		return nil, err
	}
	pw.id = info.ID

	if err := mgr.StartWorker(info.ID); err != nil {
		return nil, err
	}
	return pw, nil
}

func addSchedules(cron *scheduler.CronScheduler, workerID string, wc config.WorkerConfig, logger *zap.Logger) {
	for _, sc := range wc.Schedules {
		task := &model.Task{
			Type:      model.TaskType(sc.Type),
			Platform:  wc.Platform,
			Content:   sc.Content,
			Prompt:    sc.Prompt,
			MediaURLs: sc.MediaURLs,
			Metadata:  sc.Metadata,
		}
		if _, err := cron.AddSchedule(sc.Expression, workerID, task); err != nil {
			logger.Error("Failed to add schedule",
				zap.String("worker", wc.Name),
				zap.String("expression", sc.Expression),
				zap.Error(err))
		}
	}
}

func addAlertRules(alerts *monitor.AlertManager, cfg config.AlertsConfig) {
	alerts.AddRule(&monitor.AlertRule{Name: "Worker error", Type: monitor.AlertTypeWorkerError, Severity: monitor.AlertSeverityError})
	alerts.AddRule(&monitor.AlertRule{Name: "Human help requested", Type: monitor.AlertTypeHelpRequested, Severity: monitor.AlertSeverityWarning})
	if cfg.HelpTimeout > 0 {
		alerts.AddRule(&monitor.AlertRule{Name: "Help request unanswered", Type: monitor.AlertTypeHelpTimeout, Severity: monitor.AlertSeverityCritical, Duration: cfg.HelpTimeout})
	}
	if cfg.FailureStreak > 0 {
		alerts.AddRule(&monitor.AlertRule{Name: "Failing tasks", Type: monitor.AlertTypeFailureStreak, Severity: monitor.AlertSeverityWarning, Threshold: float64(cfg.FailureStreak)})
	}
	if cfg.CPUPercent > 0 {
		alerts.AddRule(&monitor.AlertRule{Name: "High CPU usage", Type: monitor.AlertTypeResourceUsage, Severity: monitor.AlertSeverityWarning, Threshold: cfg.CPUPercent})
	}
	if cfg.MemoryRSS > 0 {
		alerts.AddRule(&monitor.AlertRule{Name: "High memory usage", Type: monitor.AlertTypeMemoryUsage, Severity: monitor.AlertSeverityWarning, Threshold: float64(cfg.MemoryRSS)})
	}
}

func main() {
	configPath := flag.String("config", "", "path to config file (default ./config/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.App)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.NewBus(logger)
	defer bus.Close()

	var js nats.JetStreamContext
	if cfg.NATS.Enabled {
		nc, err := connectNATS(cfg.NATS, cfg.App.Name, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
		}
		defer nc.Close()
		logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))

		js, err = nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}

		forwarder, err := events.NewJetStreamForwarder(js, bus, logger)
		if err != nil {
			logger.Fatal("Failed to create event forwarder", zap.Error(err))
		}
		go forwarder.Run(ctx)
	}

	store, err := knowledge.NewSQLiteStore(logger, cfg.Knowledge.DBPath)
	if err != nil {
		logger.Fatal("Failed to open knowledge store", zap.Error(err))
	}
	defer store.Close()

	var archive *storage.ReportArchive
	if cfg.Reports.Enabled {
		archive, err = storage.NewReportArchive(logger, cfg.Reports.DBPath)
		if err != nil {
			logger.Fatal("Failed to open report archive", zap.Error(err))
		}
		defer archive.Close()
		go archive.Run(ctx, bus)
	}

	mgr := manager.NewWorkerManager(cfg.ToManager(), bus, logger)
	if err := mgr.Start(ctx); err != nil {
		logger.Fatal("Failed to start worker manager", zap.Error(err))
	}

	registry := platform.NewRegistry()
	if err := registry.Register("webhook", platform.WebhookFactory); err != nil {
		logger.Fatal("Failed to register platform adapter", zap.Error(err))
	}

	var codegen *ai.CodeGenerator
	if cfg.AI.Enabled {
		codegen, err = ai.NewCodeGenerator(cfg.ToAI(), logger)
		if err != nil {
			logger.Fatal("Failed to create code generator", zap.Error(err))
		}
	}
	engine := learning.NewEngine(logger)

	balancer := scheduler.NewBalancer(mgr, cfg.ToBalancing(), logger)
	cron := scheduler.NewCronScheduler(balancer, logger)

	var browsers []*browser.Controller
	for _, wc := range cfg.Workers {
		pw, err := buildWorker(wc, cfg, registry, mgr, store, engine, codegen, logger)
		if err != nil {
			logger.Fatal("Failed to start worker", zap.String("worker", wc.Name), zap.Error(err))
		}
		if pw.browser != nil {
			browsers = append(browsers, pw.browser)
		}
		addSchedules(cron, pw.id, wc, logger)
		logger.Info("Worker ready",
			zap.String("worker", wc.Name),
			zap.String("worker_id", pw.id),
			zap.String("platform", wc.Platform))
	}
	cron.Start()

	var intake *scheduler.NATSIntake
	if js != nil {
		intake, err = scheduler.NewNATSIntake(js, balancer, cron, mgr, logger)
		if err != nil {
			logger.Fatal("Failed to start NATS intake", zap.Error(err))
		}
	}

	alerts := monitor.NewAlertManager(bus, js, logger)
	alerts.AddChannel("log", monitor.LogChannel{Logger: logger.Named("alerts")})
	if cfg.Alerts.Email.Host != "" {
		email, err := monitor.NewEmailChannel(cfg.ToEmail())
		if err != nil {
			logger.Fatal("Failed to create email channel", zap.Error(err))
		}
		alerts.AddChannel("email", email)
	}
	addAlertRules(alerts, cfg.Alerts)
	if err := alerts.Start(ctx); err != nil {
		logger.Fatal("Failed to start alert manager", zap.Error(err))
	}

	var server *http.Server
	if cfg.Metrics.Enabled {
		collector := monitor.NewMetricsCollector(bus, logger)
		go collector.Run(ctx)

		// HTTP mux: /healthz + /metrics + /stats
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.Handle("/metrics", collector.Handler())
		mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(mgr.GetStats())
		})
		if archive != nil {
			mux.HandleFunc("/reports", func(w http.ResponseWriter, r *http.Request) {
				serveReports(w, r, archive)
			})
		}

		server = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("Serving metrics", zap.String("addr", cfg.Metrics.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Remove knowledge nobody has used and reports older than their retention windows
	go func() {
		cleanupTicker := time.NewTicker(24 * time.Hour)
		defer cleanupTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				if cfg.Knowledge.Retention > 0 {
					cutoff := time.Now().Add(-cfg.Knowledge.Retention)
					if err := store.DeleteBefore(ctx, cutoff); err != nil {
						logger.Error("Failed to cleanup old knowledge", zap.Error(err))
					}
				}
				if archive != nil && cfg.Reports.Retention > 0 {
					cutoff := time.Now().Add(-cfg.Reports.Retention)
					if err := archive.DeleteBefore(ctx, cutoff); err != nil {
						logger.Error("Failed to cleanup old reports", zap.Error(err))
					}
				}
			}
		}
	}()

	logger.Info("Server started", zap.Int("workers", len(cfg.Workers)))

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Manager.GraceTimeout+5*time.Second)
	defer shutdownCancel()

	cron.Stop()
	if intake != nil {
		intake.Close()
	}
	alerts.Stop()
	mgr.Shutdown(shutdownCtx)

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}
	for _, b := range browsers {
		b.Close()
	}

	logger.Info("Server shutting down gracefully")
}

// serveReports lists archived reports, filtered by worker_id, platform and success query parameters
func serveReports(w http.ResponseWriter, r *http.Request, archive *storage.ReportArchive) {
	q := r.URL.Query()
	filter := storage.ReportFilter{
		WorkerID: q.Get("worker_id"),
		Platform: q.Get("platform"),
	}
	if v := q.Get("success"); v != "" {
		success, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid success parameter", http.StatusBadRequest)
			return
		}
		filter.Success = &success
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = n
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid offset parameter", http.StatusBadRequest)
			return
		}
		offset = n
	}

	reports, err := archive.List(r.Context(), filter, offset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reports)
}
