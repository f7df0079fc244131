package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/habitaro/extraction-backend/internal/clients/gcp"
	"github.com/habitaro/extraction-backend/internal/clients/openai"
	"github.com/habitaro/extraction-backend/internal/clients/redis"
	"github.com/habitaro/extraction-backend/internal/db"
	"github.com/habitaro/extraction-backend/internal/extraction/agents"
	"github.com/habitaro/extraction-backend/internal/extraction/cutout"
	"github.com/habitaro/extraction-backend/internal/extraction/fieldspec"
	"github.com/habitaro/extraction-backend/internal/extraction/provenance"
	"github.com/habitaro/extraction-backend/internal/handlers"
	"github.com/habitaro/extraction-backend/internal/ingestion"
	"github.com/habitaro/extraction-backend/internal/jobs/pipeline/extract_contract"
	"github.com/habitaro/extraction-backend/internal/jobs/runtime"
	"github.com/habitaro/extraction-backend/internal/jobs/worker"
	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/middleware"
	"github.com/habitaro/extraction-backend/internal/observability"
	"github.com/habitaro/extraction-backend/internal/platform/localmedia"
	"github.com/habitaro/extraction-backend/internal/repos"
	"github.com/habitaro/extraction-backend/internal/server"
	"github.com/habitaro/extraction-backend/internal/services"
	"github.com/habitaro/extraction-backend/internal/sse"
	"github.com/habitaro/extraction-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "extraction-backend",
		Environment: os.Getenv("APP_ENV"),
		Version:     os.Getenv("APP_VERSION"),
	})

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	jobRepo := repos.NewExtractionJobRepo(thePG, log)
	docRepo := repos.NewContractDocumentRepo(thePG, log)
	chunkRepo := repos.NewDocumentChunkRepo(thePG, log)

	// Clients
	log.Info("Setting up clients from main...")
	bucketService, err := gcp.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}
	docaiClient, err := gcp.NewDocument(log)
	if err != nil {
		log.Error("Could not init Document AI client", "error", err)
		os.Exit(1)
	}
	visionClient, err := gcp.NewVision(log)
	if err != nil {
		log.Warn("Could not init Vision client; OCR fallback disabled", "error", err)
	}
	aiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAI client", "error", err)
		os.Exit(1)
	}
	mediaTools := localmedia.New(log)

	// SSE
	log.Info("Setting up SSE hub from main...")
	sseHub := sse.NewSSEHub(log)
	sseBus, err := redis.NewSSEBus(log)
	if err != nil {
		log.Error("Could not init Redis SSE bus", "error", err)
		os.Exit(1)
	}
	if err := sseBus.StartForwarder(ctx, sseHub.Broadcast); err != nil {
		log.Error("Could not start SSE forwarder", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up services from main...")
	uploader := services.NewResultUploader(log, bucketService)
	webhook := services.NewResultWebhook(log)
	notifier := services.NewJobNotifier(log, sseBus)

	// Extraction
	log.Info("Setting up extraction pipeline from main...")
	spec, err := fieldspec.Load()
	if err != nil {
		log.Error("Could not load field spec", "error", err)
		os.Exit(1)
	}
	contractAgent := agents.NewContractAgent(log, aiClient, spec)
	installmentAgent := agents.NewInstallmentAgent(log, aiClient, spec)
	chunker := ingestion.NewChunker(log, docaiClient, visionClient, mediaTools)
	renderer := cutout.NewRenderer(log, bucketService, mediaTools)
	merger := provenance.NewMerger(log)

	// Jobs
	log.Info("Setting up job worker from main...")
	registry := runtime.NewRegistry()
	pipeline := extract_contract.New(
		thePG,
		log,
		bucketService,
		chunker,
		contractAgent,
		installmentAgent,
		renderer,
		merger,
		uploader,
		webhook,
		spec,
		docRepo,
		chunkRepo,
	)
	if err := registry.Register(pipeline); err != nil {
		log.Error("Could not register extraction pipeline", "error", err)
		os.Exit(1)
	}
	jobWorker := worker.NewWorker(thePG, log, jobRepo, registry, notifier)
	jobWorker.Start(ctx)

	// Handlers
	log.Info("Setting up handlers from main...")
	extractionsHandler := handlers.NewExtractionsHandler(log, jobRepo, sseHub, notifier)

	// Middleware
	log.Info("Setting up middleware from main...")
	apiKeyMiddleware := middleware.NewAPIKeyMiddleware(log)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		Extractions: extractionsHandler,
		APIKey:      apiKeyMiddleware,
	})

	port := utils.GetEnv("PORT", "8080", log)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}
	go func() {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown failed", "error", err)
	}
	if err := sseBus.Close(); err != nil {
		log.Warn("Redis bus close failed", "error", err)
	}
	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown failed", "error", err)
		}
	}
}
