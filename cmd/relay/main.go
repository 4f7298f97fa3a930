package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/presenceio/relay/internal/backend"
	"github.com/presenceio/relay/internal/config"
	"github.com/presenceio/relay/internal/presence"
	"github.com/presenceio/relay/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	addr := flag.String("addr", cfg.ListenAddr, "Address to listen on (e.g., :8080)")
	redisAddr := flag.String("redis", cfg.RedisAddr, "Redis address for the distributed store; empty runs in-process")
	flag.Parse()

	var store presence.Store
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     *redisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rs := backend.NewRedis(client, cfg.ChannelPrefix)
		defer rs.Close()
		store = rs
		slog.Info("using redis store", "addr", *redisAddr)
	} else {
		store = backend.NewLocal()
		slog.Info("using in-process store")
	}

	srv := relay.New(*addr, store,
		relay.WithPath(cfg.WSPath),
		relay.WithDefaultRoom(cfg.DefaultRoom),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig.String())
		srv.Stop()
	}

	slog.Info("relay stopped")
}
