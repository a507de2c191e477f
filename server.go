package main

import (
	"context"
	"os"
	"sync"

	"github.com/incognitochain/pegin-workers/workers"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/sirupsen/logrus"
)

type Server struct {
	quit    chan os.Signal
	finish  chan bool
	workers []workers.Worker
	logger  *logrus.Logger
}

func NewServer(services *workers.Services) (*Server, error) {
	listWorkers, err := workers.NewWorkers(services)
	if err != nil {
		return nil, err
	}

	quitChan := make(chan os.Signal, 1)
	return &Server{
		quit:    quitChan,
		finish:  make(chan bool, len(listWorkers)),
		workers: listWorkers,
		logger:  services.Logger,
	}, nil
}

func (s *Server) NotifyQuitSignal(cancel context.CancelFunc, workers []workers.Worker) {
	sig := <-s.quit
	s.logger.Infof("Caught sig: %+v", sig)
	cancel()
	// notify all workers about quit signal
	for _, a := range workers {
		a.GetQuitChan() <- true
	}
}

func (s *Server) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	workers := s.workers
	go s.NotifyQuitSignal(cancel, workers)
	for _, a := range workers {
		go s.executeWorker(ctx, a)
	}
}

func (s *Server) executeWorker(ctx context.Context, worker workers.Worker) {
	// a worker never overlaps with itself
	var mu sync.Mutex
	execute := func() {
		mu.Lock()
		defer mu.Unlock()
		worker.Execute(ctx)
	}

	t := ticker.New(worker.GetFrequency())
	t.Resume()
	defer t.Stop()

	execute() // execute as soon as starting up
	for {
		select {
		case <-worker.GetQuitChan():
			s.logger.Infof("Task for %s done!", worker.GetName())
			s.finish <- true
			return
		case <-t.Ticks():
			execute()
		}
	}
}
