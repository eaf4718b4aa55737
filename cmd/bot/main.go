package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"defectmaster/internal/app"
	"defectmaster/internal/config"
	"defectmaster/internal/dedup"
	"defectmaster/internal/ratelimit"
	"defectmaster/internal/telegram"
	"defectmaster/internal/util"
	"defectmaster/internal/webhook"
	"defectmaster/pkg/ai"
	"defectmaster/pkg/events"
	"defectmaster/pkg/payment"
	"defectmaster/pkg/report"
	"defectmaster/pkg/storage"
	"defectmaster/pkg/store"
)

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.Fatal("config load failed", "error", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("database init failed", "error", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		util.Fatal("redis ping failed", "addr", cfg.RedisAddr, "error", err)
	}

	deduper, err := dedup.NewRedisDeduper(redisClient, "defectmaster:seen", 24*time.Hour)
	if err != nil {
		util.Fatal("dedup init failed", "error", err)
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redisClient, "defectmaster:ratelimit", cfg.AnalysisPerMinute, time.Minute)
	if err != nil {
		util.Fatal("rate limiter init failed", "error", err)
	}

	gemini, err := ai.NewGeminiClient(cfg.GeminiAPIKey)
	if err != nil {
		util.Fatal("gemini client init failed", "error", err)
	}
	analyzer, err := ai.NewAnalyzer(gemini, ai.AnalyzerConfig{
		FastModel:     cfg.GeminiFastModel,
		AnalysisModel: cfg.GeminiAnalysisModel,
		MaxConcurrent: cfg.MaxConcurrentAnalyses,
		Limiter:       limiter,
	})
	if err != nil {
		util.Fatal("analyzer init failed", "error", err)
	}

	archive, err := storage.NewMinioArchive(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey,
		cfg.MinioBucket, cfg.MinioPublicBaseURL, cfg.MinioUseSSL)
	if err != nil {
		util.Fatal("photo archive init failed", "endpoint", cfg.MinioEndpoint, "error", err)
	}

	sheets, err := report.NewSheetsClient(ctx, cfg.GoogleCredentialsFile, cfg.SheetsFolderID)
	if err != nil {
		util.Fatal("sheets client init failed", "error", err)
	}
	sink := report.NewSink(sheets)

	var gateway app.PaymentGateway
	if cfg.TinkoffTerminalKey != "" {
		tinkoff, err := payment.NewTinkoffClient(cfg.TinkoffTerminalKey, cfg.TinkoffSecretKey)
		if err != nil {
			util.Fatal("payment gateway init failed", "error", err)
		}
		gateway = tinkoff
	} else {
		logger.Warn("tinkoff terminal not configured, purchases disabled")
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			util.Fatal("amqp publisher init failed", "error", err)
		}
		defer amqpPub.Close()
		publisher = amqpPub
	}

	application := app.New(st, analyzer, archive, sink, deduper, gateway, publisher, logger, app.Config{
		FreeCredits:          cfg.FreeCredits,
		ReferralBonusInviter: cfg.ReferralBonusInviter,
		ReferralBonusInvited: cfg.ReferralBonusInvited,
		Packages:             cfg.Packages,
		AdminIDs:             cfg.AdminIDs,
	})

	bot, err := telegram.NewBot(cfg.TelegramToken, application, logger)
	if err != nil {
		util.Fatal("telegram init failed", "error", err)
	}

	hooks := webhook.New(application, cfg.AdminJWTSecret, bot.NotifyPayment, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.WebhookPort,
		Handler:           hooks.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("webhook server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("webhook server failed", "error", err)
			stop()
		}
	}()

	bot.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("webhook shutdown failed", "error", err)
	}
	if err := redisClient.Close(); err != nil {
		logger.Error("redis close failed", "error", err)
	}
	logger.Info("bot stopped")
}
