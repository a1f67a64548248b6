package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"snapcaption/internal/app"
	"snapcaption/internal/config"
	"snapcaption/internal/quota"
	"snapcaption/internal/server"
	"snapcaption/internal/usertoken"
	"snapcaption/internal/util"
	"snapcaption/pkg/ai"
	"snapcaption/pkg/storage"
	"snapcaption/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	window := time.Duration(cfg.QuotaWindowHours) * time.Hour
	prefix := cfg.QuotaKeyPrefix
	if prefix == "" {
		prefix = "snapcaption:quota"
	}
	ledger, err := quota.NewLedger(cfg.RedisAddr, cfg.RedisPassword, prefix,
		quota.Tier{Name: "member", Limit: cfg.MemberQuota, Window: window},
		quota.Tier{Name: "guest", Limit: cfg.GuestQuota, Window: window},
	)
	if err != nil {
		log.Fatalf("failed to init quota ledger: %v", err)
	}

	posts, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init post store: %v", err)
	}

	blobs, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	generator, err := ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GenerationModel)
	if err != nil {
		log.Fatalf("failed to init caption generator: %v", err)
	}

	var verifier *usertoken.Verifier
	if cfg.AuthJWKSURL != "" {
		verifier, err = usertoken.NewVerifier(usertoken.Config{
			JWKSURL:  cfg.AuthJWKSURL,
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
		})
		if err != nil {
			log.Fatalf("failed to init token verifier: %v", err)
		}
	} else {
		slog.Warn("no auth JWKS url configured, all callers are treated as anonymous")
	}

	proxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:     posts,
		Blobs:     blobs,
		Generator: generator,
		Quota:     ledger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpSrv := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  verifier,
		TrustedProxies: proxies,
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpSrv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("caption server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	slog.Info("caption server stopped")
}
