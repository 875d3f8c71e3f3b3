package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"medx-coding-support/database"
	"medx-coding-support/handlers"
	"medx-coding-support/middleware"
	"medx-coding-support/services"
	"medx-coding-support/worker"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, using system environment variables")
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Initialize database
	database.InitDatabase()
	db := database.GetDB()

	// Stores
	queueStore := services.NewQueueStore(db)
	chartStore := services.NewChartStore(db)
	documentRepo := services.NewDocumentRepository(db)

	// Collaborators
	storage, err := services.NewBlobStorage()
	if err != nil {
		log.Fatalf("❌ Failed to initialize blob storage: %v", err)
	}

	codingClient, err := services.NewCodingClient()
	if err != nil {
		log.Fatalf("❌ Failed to initialize coding client: %v", err)
	}

	extractor := services.NewTextExtractor(storage, services.NewOCRClient())

	// Start worker in background with graceful shutdown support
	pipelineWorker := worker.NewWorker(queueStore, chartStore, documentRepo, extractor, codingClient)
	workerDone := make(chan struct{})
	go func() {
		log.Println("Starting pipeline worker...")
		pipelineWorker.Start()
		close(workerDone)
	}()

	// WebSocket hub + database notification listener
	hub := handlers.NewHub(queueStore)
	busListener := handlers.NewBusListener(hub)
	busListener.Start()

	// Background housekeeping: periodic stuck-lease recovery and queue cleanup
	go runHousekeeping(queueStore)

	// Setup Gin router
	router := gin.Default()

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Home page
	router.GET("/", handlers.HomePage)

	// Health check
	router.GET("/health", handlers.HealthCheck)

	// Realtime status push for dashboards
	router.GET("/api/ws", hub.HandleWS)

	uploadHandler := handlers.NewUploadHandler(chartStore, documentRepo, queueStore, storage, hub)
	chartHandler := handlers.NewChartHandler(chartStore, documentRepo, hub)
	jobHandler := handlers.NewJobHandler(queueStore)

	api := router.Group("/api")
	{
		// Ingress
		api.POST("/charts/upload", uploadHandler.HandleChartUpload)

		// Observability
		api.GET("/jobs/:jobID", jobHandler.GetJob)
		api.GET("/jobs/status/:chartNumber", jobHandler.GetJobStatus)
		api.GET("/jobs/by-chart/:chartNumber", jobHandler.ListJobsByChart)
		api.GET("/queue/stats", jobHandler.GetQueueStats)

		// Read model
		api.GET("/charts", chartHandler.ListCharts)
		api.GET("/charts/:chartNumber", chartHandler.GetChart)
		api.GET("/documents/:id/url", uploadHandler.HandleDocumentURL)

		// Review and admin endpoints require authentication
		authed := api.Group("")
		authed.Use(middleware.JWTMiddleware())
		{
			authed.PUT("/charts/:chartNumber/modifications", chartHandler.SaveModifications)
			authed.POST("/charts/:chartNumber/submit", chartHandler.SubmitChart)
			authed.PUT("/charts/:chartNumber/review-status", chartHandler.UpdateReviewStatus)
			authed.DELETE("/charts/:chartNumber", chartHandler.DeleteChart)
			authed.POST("/charts/:chartNumber/retry", uploadHandler.HandleRetryChart)
			authed.POST("/jobs/:jobID/retry", jobHandler.RetryJob)
		}
	}

	// Get port from environment or default to 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Setup HTTP server with graceful shutdown
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Channel to listen for interrupt signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Start server in a goroutine
	go func() {
		log.Printf("🚀 Server starting on port %s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	<-quit
	log.Println("🛑 Shutting down server...")

	// Drain the in-flight job before exiting
	log.Println("🤖 Stopping pipeline worker...")
	pipelineWorker.Stop()
	<-workerDone
	busListener.Stop()

	// Give a deadline for HTTP server shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server exited gracefully")
}

// runHousekeeping releases stuck leases every 5 minutes and clears out old
// completed jobs once a day.
func runHousekeeping(queue *services.QueueStore) {
	retentionDays := 7
	if v := os.Getenv("JOB_RETENTION_DAYS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			retentionDays = parsed
		}
	}

	stuckMinutes := 30
	if v := os.Getenv("STUCK_JOB_MINUTES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			stuckMinutes = parsed
		}
	}

	stuckTicker := time.NewTicker(5 * time.Minute)
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer stuckTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-stuckTicker.C:
			if _, err := queue.ReleaseStuck(stuckMinutes); err != nil {
				log.Printf("⚠️  Stuck-job release failed: %v", err)
			}
		case <-cleanupTicker.C:
			if _, err := queue.Cleanup(retentionDays); err != nil {
				log.Printf("⚠️  Queue cleanup failed: %v", err)
			}
		}
	}
}
