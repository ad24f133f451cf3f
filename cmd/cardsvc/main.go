package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"

	config "github.com/avvvet/card-services/configs"
	"github.com/avvvet/card-services/internal/cardsvc/bootstrap"
	"github.com/avvvet/card-services/internal/cardsvc/broker"
	cardcfg "github.com/avvvet/card-services/internal/cardsvc/config"
	"github.com/avvvet/card-services/internal/cardsvc/db"
	handlers "github.com/avvvet/card-services/internal/cardsvc/handlers"
	"github.com/avvvet/card-services/internal/cardsvc/store"
	"github.com/avvvet/card-services/internal/comm"
	nats "github.com/avvvet/card-services/internal/nats"
	"github.com/avvvet/card-services/internal/observability"
	log "github.com/sirupsen/logrus"
)

const SERVICE_NAME = "card"

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
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET_KEY is required")
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

	if cfg.MigrateOnStart {
		if err := db.Migrate(context.Background(), dbpool); err != nil {
			log.Fatalf("Failed to migrate DB: %v", err)
		}
	}

	// Connect to NATS
	n, err := nats.Connect(SERVICE_NAME+"_service_"+instanceId, cfg.NatsUrl, cfg.NatsToken)
	if err != nil {
		log.Fatalf("Error: unable to connect to NATS server %v", err)
	}
	defer n.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	lifecycle, err := bootstrap.Lifecycle(cfg, store.NewPgStore(dbpool), n.Conn)
	if err != nil {
		log.Fatalf("Failed to build lifecycle service: %v", err)
	}

	// commands relayed by the socket service
	b := broker.NewBroker(n.Conn, lifecycle)
	sub, err := b.QueueSubscribeCommands(comm.SubjectCommands, comm.QueueCardService)
	if err != nil {
		log.Fatalf("Error: unable to subscribe to queue %v", err)
	}

	// Setup router
	r := chi.NewRouter()
	c := config.CORS()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(c.Handler)

	// to protect the service api from any over requests
	r.Use(httprate.LimitByIP(cfg.RateLimit, 1*time.Minute))

	// Init handlers and routes
	h := handlers.NewHandler(lifecycle, cfg.Port)
	h.InitAuth(cfg.JWTSecret)
	h.SetRoutes(r)

	// Create server with timeout settings
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s", SERVICE_NAME, server.Addr)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	// let in-flight notifications finish before the connection drains
	lifecycle.Wait()
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
