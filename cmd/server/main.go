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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/coursewallet/wallet-service/internal/auth"
	"github.com/coursewallet/wallet-service/internal/award"
	"github.com/coursewallet/wallet-service/internal/cache"
	"github.com/coursewallet/wallet-service/internal/config"
	"github.com/coursewallet/wallet-service/internal/coupon"
	"github.com/coursewallet/wallet-service/internal/discount"
	"github.com/coursewallet/wallet-service/internal/gateway"
	"github.com/coursewallet/wallet-service/internal/handler"
	"github.com/coursewallet/wallet-service/internal/middleware"
	"github.com/coursewallet/wallet-service/internal/referral"
	"github.com/coursewallet/wallet-service/internal/service"
	"github.com/coursewallet/wallet-service/internal/store"
	"github.com/coursewallet/wallet-service/internal/wallet"
	"github.com/coursewallet/wallet-service/internal/ws"
)

func main() {
	// ── Configuration ──
	_ = godotenv.Load()
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	cfg := config.Load()

	// ── Redis (metadata cache; optional) ──
	ctx := context.Background()
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warnf("redis unavailable, metadata cache disabled: %v", err)
			rdb = nil
		} else {
			log.Infof("connected to Redis at %s", cfg.RedisAddr)
		}
	}
	metaCache := cache.New(rdb, cfg.CacheTTL)

	// ── SQL Store ──
	dbDSN := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)
	st, err := store.NewStore(dbDSN)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	log.Infof("database initialised: %s@%s:%s/%s", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)

	// ── WebSocket Hub (live balance feed) ──
	hub := ws.NewHub()

	// ── Domain Services ──
	userSvc := auth.NewUserService(st.DB())
	walletSvc := wallet.NewService(st.DB())
	walletSvc.SetNotifier(hub)
	couponSvc := coupon.NewService(st.DB(), metaCache)
	discountSvc := discount.NewService(st.DB(), metaCache)
	referralSvc := referral.NewService(st.DB(), walletSvc, cfg.ReferralAmount)
	awardSvc := award.NewService(st.DB(), walletSvc)

	// ── Gateway Authenticator (ED25519) ──
	gatewayAuth, err := gateway.NewAuthenticator(cfg.GatewayVerifyKey)
	if err != nil {
		log.Fatalf("failed to init gateway authenticator: %v", err)
	}

	// ── Orchestrator ──
	svc := service.NewWalletService(st.DB(), cfg, walletSvc, couponSvc, discountSvc, referralSvc, awardSvc)

	// ── Referral Release Sweep (background) ──
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	if referralSvc.Enabled() {
		go referralSvc.StartReleaseSweep(sweepCtx, cfg.ReferralSweepInterval)
	}

	// ── Gin Router ──
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Logger())

	h := handler.NewHandler(svc, hub)
	authHandler := handler.NewAuthHandler(userSvc, svc)
	userHandler := handler.NewUserHandler(userSvc, walletSvc, referralSvc, svc, cfg)
	webhookHandler := handler.NewWebhookHandler(svc, gatewayAuth)
	adminHandler := handler.NewAdminHandler(userSvc, walletSvc, couponSvc, discountSvc)

	// Register routes with API key authentication
	authHandler.RegisterRoutes(r)
	webhookHandler.RegisterRoutes(r)
	h.RegisterRoutes(r, middleware.APIKeyAuth(userSvc))
	userHandler.RegisterRoutes(r.Group("/api/v1", middleware.APIKeyAuth(userSvc)))

	// Register admin routes with admin token authentication
	adminHandler.RegisterRoutes(r.Group("/api/v1/admin", middleware.AdminTokenAuth(cfg.AdminToken)))

	// ── HTTP Server with graceful shutdown ──
	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: r,
	}

	go func() {
		log.Infof("server listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen error: %v", err)
		}
	}()

	// ── Graceful Shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	sweepCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("server shutdown error: %v", err)
	}

	if rdb != nil {
		rdb.Close()
	}
	log.Info("server exited cleanly")
}
