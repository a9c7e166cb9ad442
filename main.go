package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"case-triage-pipeline/config"
	"case-triage-pipeline/database"
	"case-triage-pipeline/gemini"
	"case-triage-pipeline/handlers"
	"case-triage-pipeline/llm"
	"case-triage-pipeline/match"
	"case-triage-pipeline/metrics"
	"case-triage-pipeline/middleware"
	"case-triage-pipeline/photos"
	"case-triage-pipeline/rabbitmq"
	"case-triage-pipeline/service"
	"case-triage-pipeline/stubllm"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()

	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	metrics.Register()

	db, err := database.NewDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := db.CreateTables(); err != nil {
		log.Fatalf("Failed to create tables: %v", err)
	}
	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Without an API key the pipeline runs against the deterministic stub so
	// local and CI environments exercise the full flow.
	var model llm.Client
	if cfg.GeminiAPIKey != "" {
		model = gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.ModelTimeout)
	} else {
		log.Warn("GEMINI_API_KEY not set, using deterministic stub model")
		model = stubllm.NewClient()
	}
	log.Infof("Using %s vision model (%s)", model.SourceName(), cfg.GeminiModel)

	photoFetcher := photos.NewFetcher(cfg.PhotoBaseURL, cfg.MatchFetchTimeout, cfg.PhotoCacheTTL)

	publisher, err := rabbitmq.NewPublisher(cfg.RabbitMQ.GetAMQPURL(), cfg.RabbitMQ.Exchange, cfg.RabbitMQ.ScreenedRoutingKey)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ publisher: %v", err)
	}
	defer publisher.Close()

	triage := service.NewTriageService(db, photoFetcher, model, publisher,
		cfg.GeminiModel, cfg.ClaimTTL)
	overrides := service.NewOverrideService(db)
	matcher := match.NewMatcher(db, photoFetcher, model, match.Options{
		RecentLimit:  cfg.MatchRecentLimit,
		CandidateCap: cfg.MatchCandidateCap,
		RadiusKm:     cfg.MatchRadiusKm,
		FetchTimeout: cfg.MatchFetchTimeout,
	})

	subscriber, err := rabbitmq.NewSubscriber(cfg.RabbitMQ.GetAMQPURL(), cfg.RabbitMQ.Exchange, cfg.RabbitMQ.Queue, cfg.RabbitMQ.Prefetch)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ subscriber: %v", err)
	}
	defer subscriber.Close()

	err = subscriber.Start(map[string]rabbitmq.CallbackFunc{
		cfg.RabbitMQ.CaseCreatedRoutingKey: triage.HandleCaseEvent,
		cfg.RabbitMQ.RescreenRoutingKey:    triage.HandleRescreenEvent,
	})
	if err != nil {
		log.Fatalf("Failed to start RabbitMQ subscriber: %v", err)
	}

	h := handlers.NewHandlers(db, db, matcher, overrides, model, cfg.AutoLinkThreshold)

	router := gin.Default()
	router.Use(middleware.CORSMiddleware())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v3")
	api.GET("/health", h.HealthHandler)

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(cfg))
	{
		protected.GET("/status", h.StatusHandler)
		protected.POST("/caption", h.CaptionHandler)
		protected.POST("/matches", h.MatchesHandler)
		protected.GET("/cases/:id/risk", h.RiskHandler)
	}

	admin := protected.Group("")
	admin.Use(middleware.AdminRequired())
	{
		admin.POST("/cases/:id/override", h.OverrideHandler)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited")
}
