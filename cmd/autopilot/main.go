package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chidi150c/optionpilot/internal/alerts"
	"github.com/chidi150c/optionpilot/internal/broker"
	"github.com/chidi150c/optionpilot/internal/config"
	"github.com/chidi150c/optionpilot/internal/engine"
	"github.com/chidi150c/optionpilot/internal/guards"
	"github.com/chidi150c/optionpilot/internal/state"
	"github.com/chidi150c/optionpilot/internal/storage"
	"github.com/chidi150c/optionpilot/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	setupLogging(cfg)

	lock, err := util.AcquirePidLock(filepath.Join(cfg.DataDir, "autopilot.pid"))
	if err != nil {
		log.Fatal().Err(err).Msg("pid lock")
	}
	defer lock.Release()

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("autopilot exited")
		lock.Release()
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snaps := storage.NewSnapshotStore(filepath.Join(cfg.DataDir, "state.json"))
	st, err := snaps.Load()
	switch {
	case errors.Is(err, storage.ErrCorrupt):
		log.Warn().Err(err).Msg("snapshot unreadable; starting from defaults")
		st = nil
	case err != nil:
		return err
	}
	if st == nil {
		st = state.New()
		st.Autopilot = cfg.Account.StartAutopilot
	}
	book := state.NewBook(st, snaps)

	ledger, err := storage.OpenLedger(filepath.Join(cfg.DataDir, "ledger.db"))
	if err != nil {
		return err
	}
	defer ledger.Close()

	tradier := broker.NewTradier(cfg.Broker.BaseURL, cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.Timeout)
	safe := guards.NewSafeBroker(tradier, guards.Options{
		CallTimeout:      cfg.Broker.Timeout,
		PerMinuteCap:     cfg.Broker.OrdersPerMinute,
		DupWindow:        cfg.Broker.DupWindow,
		BreakerThreshold: cfg.Broker.BreakerThreshold,
		BreakerCooldown:  cfg.Broker.BreakerCooldown,
		HalfOpenProbes:   cfg.Broker.HalfOpenProbes,
	})

	sinks := []alerts.Sink{alerts.NewLogSink()}
	if cfg.Alerts.WebhookURL != "" {
		sinks = append(sinks, alerts.NewWebhook(cfg.Alerts.WebhookURL))
	}
	if cfg.Alerts.HubAddr != "" {
		hub := alerts.NewHub()
		sinks = append(sinks, hub)
		go func() {
			if err := hub.Serve(ctx, cfg.Alerts.HubAddr); err != nil {
				log.Error().Err(err).Msg("alert hub")
			}
		}()
	}
	if len(cfg.Alerts.KafkaBrokers) > 0 {
		kp := alerts.NewKafkaPublisher(cfg.Alerts.KafkaBrokers, cfg.Alerts.KafkaTopic)
		defer kp.Close()
		sinks = append(sinks, kp)
	}
	fan := alerts.NewFanout(cfg.Alerts.QueueSize, sinks...)
	alertCtx, stopAlerts := context.WithCancel(context.Background())
	alertsDone := make(chan struct{})
	go func() {
		defer close(alertsDone)
		fan.Run(alertCtx)
	}()
	defer func() {
		stopAlerts()
		<-alertsDone
	}()

	eng, err := engine.New(cfg, engine.Deps{Broker: safe, Book: book, Ledger: ledger, Notify: fan})
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	fan.Send("autopilot started (" + cfg.Mode + ")")
	log.Info().Str("mode", cfg.Mode).Str("data_dir", cfg.DataDir).Msg("autopilot running")

	if cfg.MetricsAddr != "" {
		go serveHTTP(ctx, cfg.MetricsAddr, eng, ledger)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	fan.Send("autopilot stopping")
	return eng.Stop()
}

// serveHTTP exposes /metrics plus read-only /status, /trades and /daily
// until ctx is done.
func serveHTTP(ctx context.Context, addr string, eng *engine.Engine, ledger *storage.Ledger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, eng.Status(), nil)
	})
	mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
		trades, err := ledger.RecentTrades(r.Context(), 100)
		writeJSON(w, trades, err)
	})
	mux.HandleFunc("/daily", func(w http.ResponseWriter, r *http.Request) {
		days, err := ledger.DailySummaries(r.Context())
		writeJSON(w, days, err)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server")
	}
}

func writeJSON(w http.ResponseWriter, v any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
