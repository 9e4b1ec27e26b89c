package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aerugo/aerugo/cmd/registry/routes"
	"github.com/aerugo/aerugo/internal/auth"
	"github.com/aerugo/aerugo/internal/common"
	"github.com/aerugo/aerugo/internal/metadata"
	"github.com/aerugo/aerugo/internal/registry"
	"github.com/aerugo/aerugo/internal/storage"
	"github.com/aerugo/aerugo/pkg/config"
)

func main() {
	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	log.Info().Msg("starting aerugo registry node")

	db, err := common.NewDatabase(&cfg.Database, &cfg.Registry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	cache, err := common.NewCache(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer cache.Close()

	blobStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob storage")
	}

	metaStore := metadata.NewStore(db)
	authService := auth.NewService(db, cache, &cfg.Auth)
	registryService := registry.NewService(metaStore, cache, registry.NewRedisLocker(cache), blobStorage, &cfg.Registry)

	// Background reaper for expired upload sessions; every node runs one,
	// per-session locks keep them from colliding
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go registryService.SweepLoop(sweepCtx)

	router := setupRouter(registryService, authService, db, cache)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

func setupRouter(registryService *registry.Service, authService *auth.Service, db *common.Database, cache *common.Cache) *gin.Engine {
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	routes.Register(router, registryService, authService, healthcheck(db, cache))
	return router
}

// requestLogger emits one structured line per request
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

// healthcheck reports readiness of the shared stores
func healthcheck(db *common.Database, cache *common.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		sqlDB, err := db.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "component": "database"})
			return
		}

		if err := cache.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "component": "redis"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
	}
}
