// Command simpletunneld is the SimpleTunnel server binary: it loads the
// configuration file, starts the tunnel-accepting listener (plus an
// optional mDNS advertisement goroutine), and shuts down cleanly on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"simpletunnel/config"
	"simpletunnel/discovery"
	"simpletunnel/log"
	"simpletunnel/server"
)

func main() {
	confPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.New(log.Config{Level: cfg.Log.Level, Path: cfg.Log.Path})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("simpletunneld starting", zap.String("listen", cfg.Listen))

	srv, err := server.New(cfg, nil, logger)
	if err != nil {
		logger.Fatal("failed to initialize server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		logger.Info("shutting down")
		cancel()
	}()

	if cfg.Discovery.Enabled {
		_, port, splitErr := splitPort(cfg.Listen)
		if splitErr == nil {
			go func() {
				if err := discovery.Advertise(ctx, cfg.Discovery.Name, port); err != nil {
					logger.Warn("mdns advertisement stopped", zap.Error(err))
				}
			}()
		}
	}

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("simpletunneld stopped")
}

func splitPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
