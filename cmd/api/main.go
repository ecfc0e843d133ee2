package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	_ "github.com/takurabid/takurabid/docs"
	"github.com/takurabid/takurabid/internal/config"
	"github.com/takurabid/takurabid/internal/database"
	"github.com/takurabid/takurabid/internal/logger"
	"github.com/takurabid/takurabid/internal/notification"
	"github.com/takurabid/takurabid/internal/profile"
	mw "github.com/takurabid/takurabid/pkg/middleware"
)

// @title           TakuraBid Notifications API
// @version         1.0
// @description     In-app notifications for the TakuraBid freight marketplace.
// @host            localhost:8080
// @BasePath        /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg := config.Load()

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	db, err := database.NewPostgresConnection(ctx, cfg.DatabaseURL, database.PoolOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		zl.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	zl.Info("connected to database")

	if err := database.Migrate(ctx, db, zl); err != nil {
		zl.Fatal("failed to apply migrations", zap.Error(err))
	}

	validate := validator.New()

	// Notification feature
	notificationRepo := notification.NewRepository(db)
	notificationService := notification.NewService(notificationRepo, zl.Named("notification"), cfg.NotificationDefaultLimit)
	listener := database.NewListener(cfg.DatabaseURL, cfg.ListenerMinReconnect, cfg.ListenerMaxReconnect, zl.Named("listener"))
	feed := notification.NewFeed(listener, notificationRepo, zl.Named("feed"))
	notificationHandler := notification.NewHandler(notificationService, feed, validate, zl.Named("stream"), cfg.StreamPingInterval)

	// Profile feature (sends a welcome notification on signup)
	profileRepo := profile.NewRepository(db)
	profileService := profile.NewService(profileRepo, notificationService, zl.Named("profile"))
	profileHandler := profile.NewHandler(profileService, validate)

	if cfg.AllowTestUser {
		zl.Warn("X-Test-User-ID authentication is enabled")
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.Authenticate(mw.AuthOptions{
			JWTSecret:     cfg.JWTSecret,
			AllowTestUser: cfg.AllowTestUser,
		}))

		// Mount feature routers
		r.Mount("/notifications", notificationHandler.Routes())
		r.Mount("/profiles", profileHandler.Routes())
	})

	// No WriteTimeout: /notifications/stream holds its response open.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	// Closing the feed ends every open stream so Shutdown can drain.
	srv.RegisterOnShutdown(func() {
		if err := feed.Close(); err != nil {
			zl.Warn("failed to close notification feed", zap.Error(err))
		}
	})

	go func() {
		zl.Info("server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("graceful shutdown failed", zap.Error(err))
	}
}
