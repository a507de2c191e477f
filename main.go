package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/incognitochain/pegin-workers/config"
	"github.com/incognitochain/pegin-workers/workers"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		panic(err)
	}
	logger := cfg.NewLogger()

	logger.Info("=========Config============")
	logger.Infof("network: %s, backend: %s, db: %s", cfg.Network, cfg.Backend, cfg.DBPath)
	logger.Infof("peg address: %s, signer %d of %d", cfg.PegAddress,
		cfg.Scheduler.SignerID, cfg.Scheduler.NumSigners)
	logger.Infof("workers: %v", cfg.Workers)
	logger.Info("=========End============")

	runtime.GOMAXPROCS(runtime.NumCPU())

	services, err := workers.NewServices(cfg, logger)
	if err != nil {
		logger.Fatalf("Could not start services: %v", err)
	}
	defer services.Close()

	// rebuild commitment state from the event log before starting workers
	if cfg.Replay {
		if err := services.Tracker.Replay(); err != nil {
			logger.Fatalf("Could not replay tracker log: %v", err)
		}
	}

	s, err := NewServer(services)
	if err != nil {
		logger.Fatalf("Could not start workers: %v", err)
	}
	signal.Notify(s.quit, os.Interrupt, syscall.SIGTERM)

	s.Run(context.Background())
	for range s.workers {
		<-s.finish
	}
	logger.Info("Server stopped gracefully!")
}
