package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"talkrelay/internal/opstoken"
	"talkrelay/internal/ratelimit"
	"talkrelay/internal/util"
	"talkrelay/pkg/archive"
	"talkrelay/pkg/notify"
	"talkrelay/pkg/store"
	"talkrelay/services/webhook/internal/app"
	"talkrelay/services/webhook/internal/config"
	"talkrelay/services/webhook/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := util.InitLogger(cfg.LogLevel, "webhook", cfg.LogsDir, "../../logs")
	if cleanup != nil {
		defer cleanup()
	}

	gormStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init postgres store", "err", err)
	}
	talkStore, err := store.NewRedisTalkStore(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		util.Fatal("failed to init talk store", "err", err)
	}

	var deliveryArchive archive.Archiver = archive.NopArchive{}
	if cfg.ArchiveEndpoint != "" {
		deliveryArchive, err = archive.NewMinioArchive(
			cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey,
			cfg.ArchiveBucket, cfg.ArchiveUseSSL,
		)
		if err != nil {
			util.Fatal("failed to init delivery archive", "err", err)
		}
	}

	appCore, err := app.New(app.Config{
		RedisAddr:              cfg.RedisAddr,
		RedisPassword:          cfg.RedisPassword,
		ProfileAPIBaseURL:      cfg.ProfileAPIBaseURL,
		ProfileAPIToken:        cfg.ProfileAPIToken,
		QueueName:              cfg.QueueName,
		QueueGroup:             cfg.QueueGroup,
		QueueConcurrency:       cfg.QueueConcurrency,
		QueueMaxRetries:        cfg.QueueMaxRetries,
		QueueRetryDelaySeconds: cfg.QueueRetryDelaySeconds,
		Identity:               gormStore,
		Outbox:                 gormStore,
		Conversations:          talkStore,
		Timeline:               talkStore,
		Archive:                deliveryArchive,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	ctx := context.Background()
	appCore.Start(ctx)

	if cfg.AMQPURL != "" {
		publisher, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.NotifyExchange)
		if err != nil {
			util.Fatal("failed to init notify publisher", "err", err)
		}
		defer publisher.Close()
		notify.NewDispatcher(gormStore, publisher, 0, 0).Start(ctx)
	}

	var opsVerifier *opstoken.Verifier
	var opsLimiter *ratelimit.FixedWindowLimiter
	if cfg.OpsTokenSecret != "" {
		opsVerifier, err = opstoken.NewVerifier(cfg.OpsTokenSecret, opstoken.DefaultLeeway)
		if err != nil {
			util.Fatal("failed to init ops token verifier", "err", err)
		}
		if cfg.OpsRateLimit > 0 {
			window := time.Duration(cfg.OpsRateWindowSeconds) * time.Second
			if window <= 0 {
				window = time.Minute
			}
			opsLimiter, err = ratelimit.NewRedisFixedWindowLimiter(
				cfg.RedisAddr, cfg.RedisPassword, "talkrelay:ratelimit:ops", cfg.OpsRateLimit, window,
			)
			if err != nil {
				util.Fatal("failed to init ops rate limiter", "err", err)
			}
		}
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		ChannelSecret:  cfg.ChannelSecret,
		OpsVerifier:    opsVerifier,
		OpsLimiter:     opsLimiter,
		TrustedProxies: trustedProxies,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("webhook server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
