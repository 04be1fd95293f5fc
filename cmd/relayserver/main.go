// Package main provides the relay server binary: a websocket endpoint
// backed by the room/session broker.
package main

import (
	"context"
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/relaylabs/relay/internal/broker"
	"github.com/relaylabs/relay/internal/config"
	"github.com/relaylabs/relay/internal/gateway"
	"github.com/relaylabs/relay/internal/observability"
	"github.com/relaylabs/relay/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file; empty = built-in defaults")
	flag.Parse()

	var (
		cfg config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
	} else {
		cfg = config.Default()
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting relay server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("path", cfg.Server.Path),
		zap.Int("history_capacity", cfg.Broker.HistoryCapacity),
	)

	membership := broker.NewMembership()
	history := broker.NewHistory(cfg.Broker.HistoryCapacity)
	b := broker.New(membership, history, logger)
	gw := gateway.New(cfg, b, logger)

	lc := server.NewLifecycle(logger)
	lc.Add("gateway", gw)

	if err := lc.Run(context.Background()); err != nil {
		logger.Fatal("lifecycle error", zap.Error(err))
	}
}
