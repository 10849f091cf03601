// Command runlifecycle runs the AE run-lifecycle control plane: the
// webhook ingress, the client-facing event stream, the run-submission API,
// and the background termination worker, wired onto a single Postgres
// pool.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/billing"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/config"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/database"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/eventbus"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/gpuretry"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/launcher"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/metrics"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/notify"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/objectstore"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/podprovider"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/remoteshell"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runapi"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/stream"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/termination"
	"github.com/agencyenterprise/ae-runlifecycle/pkg/webhook"
)

// resolvedUserIDKey is the gin context key an upstream auth proxy is
// expected to populate with the caller's resolved user id (spec.md §1:
// "authentication of end users" is deliberately out of scope here).
const resolvedUserIDKey = "resolved_user_id"

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveUserID is a placeholder upstream-auth shim: it trusts an
// X-User-Id header set by whatever reverse proxy terminates real end-user
// authentication in front of this service.
func resolveUserID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := c.GetHeader("X-User-Id"); uid != "" {
			c.Set(resolvedUserIDKey, uid)
		}
		c.Next()
	}
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
		log.Printf("continuing with existing environment variables")
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	gin.SetMode(getEnv("GIN_MODE", "debug"))

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	ctx := context.Background()

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer func() {
		if err := dbClient.DB().Close(); err != nil {
			log.Printf("closing database: %v", err)
		}
	}()
	log.Println("connected to postgres")

	store := runstore.NewStore(dbClient.DB())

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	var pricing billing.PricingTable
	pricingPath := getEnv("PRICING_TABLE_PATH", "")
	if pricingPath != "" {
		pricing, err = billing.LoadPricingTable(pricingPath)
		if err != nil {
			log.Fatalf("loading pricing table: %v", err)
		}
	}
	billingGuard := billing.New(dbClient.DB(), redisClient, pricing)

	objectStore := objectstore.NewFakeStore()

	provider := podprovider.NewHTTPProvider(cfg.PodProvider.BaseURL, cfg.PodProvider.APIToken, cfg.PodProvider.BreakerMaxFailures)

	// The remote-shell adapter is a required dependency of the termination
	// worker (spec.md §1 names upload_artifacts as a core boundary), not an
	// optional one: build it eagerly so a missing key fails at startup
	// rather than panicking the first time a termination job runs.
	shellAdapter, err := remoteshell.NewAdapter(cfg.RemoteShell.PrivateKeyPath, cfg.RemoteShell.ConnectTimeout, objectStore)
	if err != nil {
		log.Fatalf("building remote-shell adapter: %v", err)
	}

	notifier := notify.NewSlackNotifier(notify.SlackConfig{Token: cfg.Slack.Token, Channel: cfg.Slack.ChannelID})

	bus := eventbus.New()

	runLauncher := launcher.New(store.Runs, store.Ideas, provider, billingGuard, notifier, cfg.Launcher.StartupGrace, cfg.WebhookBaseURL)

	gpuPolicy := gpuretry.New(store.Runs, store.Ideas, runLauncher, redisClient, cfg.PodProvider.DefaultGPUTypes)

	locker := termination.NewAdvisoryLocker(dbClient.DB())

	terminationPool := termination.NewPool(store, provider, shellAdapter, bus, notifier, locker, cfg.Termination.Concurrency)
	terminationPool.SetPollInterval(cfg.Termination.PollInterval)

	webhookServer := webhook.New(store, bus, objectStore, billingGuard, notifier, gpuPolicy, terminationPool)
	streamHandler := stream.New(store, bus)
	submissionAPI := runapi.New(runLauncher)

	if err := terminationPool.Start(ctx); err != nil {
		log.Fatalf("starting termination worker: %v", err)
	}
	defer terminationPool.Stop()

	router := gin.Default()
	router.Use(resolveUserID())

	webhookServer.RegisterRoutes(router)
	streamHandler.RegisterRoutes(router, resolvedUserIDKey)
	submissionAPI.RegisterRoutes(router, resolvedUserIDKey)

	if cfg.MetricsEnabled {
		reg := metrics.NewRegistry()
		router.GET("/metrics", gin.WrapH(metrics.Handler(reg)))
	}

	router.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		health, err := dbClient.Health(reqCtx)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": health, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": health})
	})

	log.Printf("HTTP server listening on :%s", cfg.HTTPPort)
	if err := router.Run(":" + cfg.HTTPPort); err != nil {
		log.Fatalf("HTTP server exited: %v", err)
	}
}
