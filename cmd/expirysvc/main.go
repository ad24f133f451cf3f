package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/card-services/configs"
	"github.com/avvvet/card-services/internal/cardsvc/bootstrap"
	cardcfg "github.com/avvvet/card-services/internal/cardsvc/config"
	"github.com/avvvet/card-services/internal/cardsvc/db"
	"github.com/avvvet/card-services/internal/cardsvc/scheduler"
	"github.com/avvvet/card-services/internal/cardsvc/store"
	natscli "github.com/avvvet/card-services/internal/nats"
	"github.com/avvvet/card-services/internal/observability"
)

const SERVICE_NAME = "expiry"

var instanceId string

func init() {
	instanceId = config.CreateUniqueInstance(SERVICE_NAME)
	config.Logging(SERVICE_NAME + "_service_" + instanceId)
	config.LoadEnv(SERVICE_NAME)
}

func main() {
	cfg, err := cardcfg.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	observability.RegisterMetrics()
	if cfg.MetricsPort != "" {
		metrics := observability.NewMetricsServer(":" + cfg.MetricsPort)
		go func() {
			if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics server: %v", err)
			}
		}()
		defer metrics.Close()
	}

	// pg connection
	dbpool, err := db.Connect(cfg.DBUrl)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.ClosePool()
	log.Printf("pg connection established successfully")

	// Connect to NATS
	n, err := natscli.Connect(SERVICE_NAME+"_service_"+instanceId, cfg.NatsUrl, cfg.NatsToken)
	if err != nil {
		log.Errorf("Error: unable to connect to NATS server %v", err)
		os.Exit(1)
	}
	defer n.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	lifecycle, err := bootstrap.Lifecycle(cfg, store.NewPgStore(dbpool), n.Conn)
	if err != nil {
		log.Fatalf("Failed to build lifecycle service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := scheduler.New(lifecycle, scheduler.Config{
		Interval:      cfg.ExpiryInterval,
		TickDeadline:  cfg.ExpiryTickDeadline,
		BatchSize:     cfg.ExpiryBatchSize,
		WarningWindow: cfg.ExpiryWarningWindow,
	})
	log.Infof("%s service sweeping every %s", SERVICE_NAME, cfg.ExpiryInterval)
	s.Run(ctx)

	lifecycle.Wait()
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
