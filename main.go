package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Finitoshi/telegram-bot/access"
	"github.com/Finitoshi/telegram-bot/ai"
	"github.com/Finitoshi/telegram-bot/bot"
	"github.com/Finitoshi/telegram-bot/core"
	"github.com/Finitoshi/telegram-bot/events"
	"github.com/Finitoshi/telegram-bot/holder"
	"github.com/Finitoshi/telegram-bot/ledger"
	"github.com/Finitoshi/telegram-bot/lib/sl"
	"github.com/Finitoshi/telegram-bot/server"
	"github.com/Finitoshi/telegram-bot/storage"
	"github.com/Finitoshi/telegram-bot/wallet"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {

	// .env is optional; real environment variables win
	_ = godotenv.Load()

	configPath := flag.String("conf", "", "path to config file, environment only when empty")
	flag.Parse()

	conf := core.MustLoad(*configPath)
	log := setupLogger(conf.Env)
	log.With(
		slog.String("config", *configPath),
		slog.String("env", conf.Env),
		slog.String("model", conf.Completion.Model),
		slog.String("mint", conf.Solana.TokenMint),
	).Info("starting telegram bot")

	// durable storage for nonces, access decisions and cache
	var nonces storage.NonceStorage
	var accessStore storage.AccessStorage
	var cache storage.CacheStorage
	var closers []func() error

	mongoStore, err := storage.NewMongoStorage(conf.Mongo.Uri, conf.Mongo.Database, log)
	if err != nil {
		log.With(
			slog.String("db", conf.Mongo.Database),
		).Error("falling back to memory", sl.Err(err))
		memory := storage.NewMemoryStorage()
		nonces, accessStore, cache = memory, memory, memory
	} else {
		log.Info("using MongoDB storage")
		nonces, accessStore, cache = mongoStore, mongoStore, mongoStore
		closers = append(closers, mongoStore.Close)
	}

	bus := events.NewGoChannelBus()
	if conf.Redis.Enabled {
		if client, err := connectRedis(conf.Redis.Url); err != nil {
			log.Error("redis unavailable, keeping primary storage", sl.Err(err))
		} else {
			redisStore := storage.NewRedisStorage(client, "")
			nonces, cache = redisStore, redisStore
			// closed after the bus that shares the client
			closers = append(closers, redisStore.Close)

			redisBus, err := events.NewRedisBus(client)
			if err != nil {
				log.Error("redis event bus, using in-process channel", sl.Err(err))
			} else {
				_ = bus.Close()
				bus = redisBus
			}
			log.Info("using Redis for nonces, cache and events")
		}
	}

	auditCtx, stopAudit := context.WithCancel(context.Background())
	go func() {
		if err := events.RunAudit(auditCtx, bus.Subscriber, log); err != nil {
			log.Error("audit subscriber stopped", sl.Err(err))
		}
	}()

	keeper := holder.NewNonceKeeper(nonces, conf.Access.NonceTTL, log)
	gate := ledger.NewGate(ledger.NewClient(conf.Solana.RpcUrl), conf.Solana.MaxAttempts, time.Second, log)
	accessService := access.NewService(keeper, accessStore, wallet.NewVerifier(log), gate, conf.Solana.TokenMint, log)
	accessService.SetVerifiedTTL(conf.Access.VerifiedTTL)
	accessService.SetPublisher(events.NewPublisher(bus.Publisher, log))

	completion := ai.NewCompletion(conf, log, cache)
	relay := ai.NewRelay(conf.Image.RelayUrl, log)

	tgBot, err := bot.NewTgBot(conf, log)
	if err != nil {
		log.Error("creating telegram", sl.Err(err))
		return
	}
	username := conf.Username
	if username == "" {
		username = tgBot.Username()
	}
	handler := bot.NewHandler(tgBot, accessService, completion, relay, username, log)

	srv := server.New(conf, handler, log)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Error("server stopped with error", sl.Err(err))
			sigChan <- syscall.SIGTERM
		}
	}()

	if conf.Listen.WebhookUrl != "" {
		if err := tgBot.SetWebhook(conf.Listen.WebhookUrl); err != nil {
			log.Error("registering webhook", sl.Err(err))
		}
	}

	log.Info("bot started")

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info("received signal, shutting down", slog.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("stopping server", sl.Err(err))
	}

	stopAudit()
	if err := bus.Close(); err != nil {
		log.Error("closing event bus", sl.Err(err))
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error("closing storage", sl.Err(err))
		}
	}

	log.Info("shutdown complete")
}

func connectRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}
