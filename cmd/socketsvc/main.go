package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avvvet/card-services/internal/nats"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/card-services/configs"
	cardcfg "github.com/avvvet/card-services/internal/cardsvc/config"
	"github.com/avvvet/card-services/internal/comm"

	"github.com/avvvet/card-services/internal/socketsvc/broker"
	"github.com/avvvet/card-services/internal/socketsvc/handlers"
	"github.com/avvvet/card-services/internal/socketsvc/routes"
	"github.com/avvvet/card-services/internal/socketsvc/ws"
)

const SERVICE_NAME = "socket"

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

	// Connect to NATS
	n, err := nats.Connect(SERVICE_NAME+"_service_"+instanceId, cfg.NatsUrl, cfg.NatsToken)
	if err != nil {
		log.Errorf("Error: unable to connect to NATS server %v", err)
		os.Exit(1)
	}
	defer n.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	// Setup router
	r := chi.NewRouter()
	c := config.CORS()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(c.Handler)

	// to protect the service api from any over requests
	r.Use(httprate.LimitByIP(cfg.RateLimit, 1*time.Minute))

	// Initialize websocket hub, commands go out through the broker
	s := ws.NewWs()
	b := broker.NewBroker(n.Conn, s)
	s.Publisher = b

	h := handlers.NewHandler(s, cfg.SocketPort, nil)
	routes.SetRoutes(r, h, routes.InitAuth(cfg.JWTSecret))

	subEvents, err := b.SubscribeEvents(cfg.NotifySubject)
	if err != nil {
		log.Fatalf("Error: unable to subscribe to events %v", err)
	}
	subReplies, err := b.SubscribeReplies(comm.SubjectReplies)
	if err != nil {
		log.Fatalf("Error: unable to subscribe to replies %v", err)
	}

	// Create server with timeout settings
	server := &http.Server{
		Addr:         ":" + cfg.SocketPort,
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

	subEvents.Unsubscribe()
	subReplies.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
