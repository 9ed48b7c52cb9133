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
	"time"

	"github.com/sirupsen/logrus"

	"trading-guard/internal/api"
	"trading-guard/internal/balance"
	"trading-guard/internal/events"
	"trading-guard/internal/gateway"
	"trading-guard/internal/indicators"
	"trading-guard/internal/monitor"
	"trading-guard/internal/order"
	"trading-guard/internal/protection"
	"trading-guard/internal/reconciliation"
	"trading-guard/internal/risk"
	"trading-guard/pkg/config"
	"trading-guard/pkg/db"
	"trading-guard/pkg/exchanges/cryptocom"
	"trading-guard/pkg/market"
)

var version = "dev"

// metricsObserver fans out cycle results to prometheus and the breaker gauge.
type metricsObserver struct {
	metrics *monitor.Metrics
	breaker *gateway.ConditionalBreaker
}

func (o metricsObserver) ObserveCycle(d time.Duration, err error, updated, filled, cancelled int) {
	o.metrics.ObserveCycle(d, err, updated, filled, cancelled)
	o.metrics.SetBreakerOpen(o.breaker.State().Open)
}

func main() {
	issueToken := flag.String("issue-token", "", "print an operator JWT for the given name and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	setupLogging(cfg)
	log := logrus.WithField("component", "main")

	if *issueToken != "" {
		tok, err := api.IssueToken(*issueToken, cfg.JWTSecret, *tokenTTL)
		if err != nil {
			log.WithError(err).Fatal("issue token")
		}
		fmt.Println(tok)
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.WithError(err).Fatal("apply migrations")
	}

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	alerts := monitor.NewAlertManager(buildNotifier(cfg), cfg.AlertQueueLength, cfg.InstanceID)
	alerts.Start(ctx)

	// Market data and the gateway.
	public := market.NewPublicClient(cfg.ExchangeBaseURL, cfg.ExchangeHTTPTimeout)
	instruments := market.NewInstrumentCache(public)
	norm := market.NewNormalizer(instruments)
	memo := cryptocom.NewVariantMemo(database)
	if err := memo.Load(ctx); err != nil {
		log.WithError(err).Warn("load remembered order variants")
	}

	router, client := gateway.Build(cfg, norm, memo, alerts)
	client.SetProbeObserver(metrics)
	router.SetFailoverObserver(metrics)

	// Protective levels.
	profile := risk.DefaultProfile()
	profile.Default.StopLossPct = cfg.StopLossPct
	profile.Default.TakeProfitPct = cfg.TakeProfitPct
	profile.ATR.Enabled = cfg.ATREnabled
	if cfg.ATRPeriod > 0 {
		profile.ATR.Period = cfg.ATRPeriod
	}
	if cfg.ATRTimeframe != "" {
		profile.ATR.Timeframe = cfg.ATRTimeframe
	}
	var atr risk.ATRSource
	if cfg.ATREnabled {
		atr = indicators.NewEngine(public, profile.ATR.Period, profile.ATR.Timeframe, 5*time.Minute)
	}
	planner := risk.NewManager(profile, atr)
	if cfg.RiskProfilePath != "" {
		if err := planner.LoadFile(cfg.RiskProfilePath, profile); err != nil {
			log.WithError(err).Fatal("load risk profile")
		}
	}

	// Protection and OCO.
	var (
		protector reconciliation.Protector
		fills     reconciliation.FillHandler
	)
	if cfg.ProtectionEnabled {
		coordinator := protection.NewCoordinator(database, router, planner, protection.NewLocker(cfg.ProtectLockTTL), bus, protection.Config{
			LockTimeout: cfg.ProtectLockTTL,
			NewClientID: client.NewClientOrderID,
		})
		coordinator.SetObserver(metrics)
		oco := protection.NewOCO(database, router, alerts, bus)
		oco.SetObserver(metrics)
		protector, fills = coordinator, oco
	} else {
		log.Warn("protection disabled: fills will not receive SL/TP or OCO handling")
	}

	balances := balance.NewManager(3 * cfg.ReconInterval)
	if err := balances.Seed(ctx, database); err != nil {
		log.WithError(err).Warn("seed balances from storage")
	}

	recon := reconciliation.NewService(router, database, protector, fills, balances, bus, reconciliation.Config{
		Interval:        cfg.ReconInterval,
		HistoryLookback: cfg.ReconHistoryLookback,
		ProtectWindow:   cfg.ReconProtectWindow,
		MarkerTTL:       cfg.ReconMarkerTTL,
	})
	recon.SetObserver(metricsObserver{metrics: metrics, breaker: router.Breaker()})

	health := monitor.NewHealth(3)
	mon := &monitor.Monitor{Bus: bus, Alerts: alerts, Health: health}
	mon.Start(ctx)

	if cfg.GRPCHealthAddr != "" {
		go func() {
			if err := health.Serve(ctx, cfg.GRPCHealthAddr); err != nil {
				log.WithError(err).Error("grpc health server stopped")
			}
		}()
	}

	recon.Start(ctx)

	server := api.NewServer(&api.Server{
		Bus:        bus,
		DB:         database,
		Executor:   order.NewExecutor(database, bus, router),
		Balances:   balances,
		Reconciler: recon,
		Breaker:    router.Breaker(),
		Health:     health,
		Metrics:    metrics.Handler(),
		JWTSecret:  cfg.JWTSecret,
		Meta: api.SystemMeta{
			InstanceID:      cfg.InstanceID,
			Version:         version,
			ProxyConfigured: cfg.ProxyConfigured(),
			ProxyDefault:    cfg.ProxyDefault,
			BackupEnabled:   router.BackupConfigured(),
		},
	})
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set: operator API will refuse every request")
	}

	log.WithFields(logrus.Fields{
		"instance": cfg.InstanceID,
		"addr":     cfg.APIAddr,
		"interval": recon.Interval(),
		"proxy":    cfg.ProxyConfigured(),
		"backup":   router.BackupConfigured(),
	}).Info("trading guard started")

	if err := server.Start(ctx, cfg.APIAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("api server stopped")
		stop()
	}
	<-ctx.Done()

	log.Info("shutting down")
	alerts.Wait()
	sent, dropped := alerts.Stats()
	log.WithFields(logrus.Fields{"alerts_sent": sent, "alerts_dropped": dropped}).Info("stopped")
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func buildNotifier(cfg *config.Config) monitor.Notifier {
	notifiers := monitor.MultiNotifier{monitor.LogNotifier{}}
	if cfg.TelegramEnabled && cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, monitor.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.TelegramBaseURL, 10*time.Second))
	}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, monitor.NewWebhookNotifier(cfg.AlertWebhookURL, 10*time.Second))
	}
	return notifiers
}
