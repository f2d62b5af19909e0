package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/you/updown-arb/internal/bot"
	"github.com/you/updown-arb/internal/config"
)

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	logger, err := bot.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Secrets come from the environment; .env is a convenience for local runs.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("dotenv load failed", zap.Error(err))
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Warn("received signal, shutting down")
		cancel()
	}()

	b, err := bot.New(cfg, logger)
	if err != nil {
		logger.Fatal("bot init failed", zap.Error(err))
	}
	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("bot exited with error", zap.Error(err))
	}
}
