package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/actor"
	"github.com/actingweb/actingweb-go/internal/handler"
	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/peer"
	"github.com/actingweb/actingweb-go/internal/permission"
	"github.com/actingweb/actingweb-go/internal/property"
	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/subscription"
	"github.com/actingweb/actingweb-go/internal/syncer"
	"github.com/actingweb/actingweb-go/internal/trust"
)

const version = "1.0"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("actingweb exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("actingweb")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.base_uri", "http://localhost:8080")
	viper.SetDefault("server.cors_origins", []string{"*"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("database.url", "")
	viper.SetDefault("actor.type", "urn:actingweb:actor")
	viper.SetDefault("trust.auto_approve", []string{})
	viper.SetDefault("trust.required_peer_type", "")
	viper.SetDefault("peer.timeout", "10s")
	viper.SetDefault("peer.meta_cache_ttl", "5m")
	viper.SetDefault("subscription.max_pending", 100)
	viper.SetDefault("subscription.gap_timeout", "30s")
	viper.SetDefault("subscription.sync_dispatch", false)
	viper.SetDefault("subscription.dispatch_workers", 16)
	viper.SetDefault("sync.interval", "5m")
	viper.SetDefault("sync.auto_baseline", true)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	baseURI := strings.TrimSuffix(viper.GetString("server.base_uri"), "/")

	// ── Store ────────────────────────────────────────────────────────────────
	var st store.Store
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		pg := store.NewPostgresStore(db, logger)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		st = pg
		logger.Info("connected to postgres")
	} else {
		st = store.NewMemoryStore()
		logger.Warn("no database.url configured, using in-memory store")
	}

	// ── Engine services ──────────────────────────────────────────────────────
	peerClient := peer.NewClient(
		viper.GetDuration("peer.timeout"),
		viper.GetDuration("peer.meta_cache_ttl"),
		logger,
	)
	hookReg := &hooks.Registry{}

	actors := actor.NewService(st, hookReg, baseURI, viper.GetString("actor.type"), version, logger)
	evaluator := permission.NewEvaluator(st, logger)
	props := property.NewService(st, nil, hookReg, logger)
	trusts := trust.NewService(st, peerClient, hookReg, viper.GetStringSlice("trust.auto_approve"), logger)
	if rt := viper.GetString("trust.required_peer_type"); rt != "" {
		trusts.SetRequiredPeerType(rt)
	}

	// Callbacks are delivered in-request when sync_dispatch is set;
	// otherwise a bounded worker pool posts them asynchronously.
	var dispatcher subscription.Dispatcher = subscription.NewSyncDispatcher(peerClient, logger)
	if !viper.GetBool("subscription.sync_dispatch") {
		dispatcher = subscription.NewGoDispatcher(dispatcher, viper.GetInt("subscription.dispatch_workers"))
	}
	subs := subscription.NewService(st, peerClient, evaluator, dispatcher, logger)

	mirror := syncer.NewMirror(st, logger)
	reconciler := syncer.NewService(st, peerClient, mirror, syncer.Options{
		AutoBaseline: viper.GetBool("sync.auto_baseline"),
		PeerCacheTTL: viper.GetDuration("peer.meta_cache_ttl"),
	}, logger)

	processor := subscription.NewProcessor(st, hookReg, mirror, reconciler, subscription.ProcessorOptions{
		MaxPending: viper.GetInt("subscription.max_pending"),
		GapTimeout: viper.GetDuration("subscription.gap_timeout"),
	}, logger)

	// post-construction wiring breaks the construction cycles
	props.SetDiffSink(subs)
	actors.SetTrustCascader(trusts)
	trusts.SetResponseRecorder(actors)
	reconciler.SetProcessor(processor)
	reconciler.SetTrustRevoker(trusts)
	reconciler.SetSubscriptionCleaner(subs)

	// ── Handlers ─────────────────────────────────────────────────────────────
	auth := handler.NewAuth(actors, trusts, logger)
	actorHandler := handler.NewActorHandler(actors, auth, logger)
	propertyHandler := handler.NewPropertyHandler(props, evaluator, auth, logger)
	trustHandler := handler.NewTrustHandler(trusts, auth, logger)
	subscriptionHandler := handler.NewSubscriptionHandler(subs, auth, logger)
	callbackHandler := handler.NewCallbackHandler(processor, auth, logger)

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS
	corsOrigins := viper.GetStringSlice("server.cors_origins")
	corsConfig := cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Location"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	// Per-IP rate limiting
	rps := viper.GetInt("server.rate_limit_rps")
	if rps > 0 {
		router.Use(handler.RateLimiter(rps, rps*2))
	}

	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	// Health and metrics (public, no auth)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})
	router.GET("/metrics", handler.MetricsHandler())

	// Actor factory (public)
	actorHandler.RegisterFactory(router.Group(""))

	// Per-actor routes
	actorGroup := router.Group("/:actor_id", auth.Authenticate())
	actorHandler.Register(actorGroup)
	propertyHandler.Register(actorGroup)
	trustHandler.Register(actorGroup)
	subscriptionHandler.Register(actorGroup)
	callbackHandler.Register(actorGroup)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// ── Background: reconcile outbound subscriptions periodically ────────────
	syncInterval := viper.GetDuration("sync.interval")
	if syncInterval > 0 {
		go func() {
			ticker := time.NewTicker(syncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), syncInterval)
					ids, err := st.ListActorIDs(ctx)
					if err != nil {
						logger.Warn("sync pass: list actors", zap.Error(err))
						cancel()
						continue
					}
					for _, id := range ids {
						if err := reconciler.SyncAll(ctx, id); err != nil {
							logger.Warn("sync pass", zap.String("actor_id", id), zap.Error(err))
						}
					}
					cancel()
				case <-quit:
					return
				}
			}
		}()
	}

	httpPort := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("actingweb HTTP listening", zap.Int("port", httpPort), zap.String("base_uri", baseURI))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down actingweb...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("actingweb stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
