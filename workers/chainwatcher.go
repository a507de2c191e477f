package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/incognitochain/pegin-workers/watcher"
)

type ChainWatcher struct {
	WorkerAbs
	watcher  *watcher.Watcher
	failures int
}

func (b *ChainWatcher) Init(id int, name string, freq time.Duration, network string, services *Services) error {
	b.WorkerAbs.Init(id, name, freq, network, services)

	cfg := services.Config
	var err error
	b.watcher, err = watcher.New(services.Node, services.Tracker, services.DB, watcher.Config{
		StartHeight:  cfg.StartBlockHeight,
		WatchMempool: cfg.WatchMempool,
	}, b.Logger)
	if err != nil {
		b.ExportErrorLog(fmt.Sprintf("Could not restore chain state - with err: %v", err))
		return err
	}
	return nil
}

func (b *ChainWatcher) Execute(ctx context.Context) {
	b.Logger.Debug("ChainWatcher worker is executing...")

	n, err := b.watcher.Poll(ctx)
	if err != nil {
		b.failures++
		msg := fmt.Sprintf("Could not follow the chain (%d consecutive failures) - with err: %v", b.failures, err)
		if errors.Is(err, watcher.ErrForkTooDeep) || b.failures%MaxWatcherFailures == 0 {
			b.ExportErrorLog(msg)
		} else {
			b.Logger.Warn(msg)
		}
		return
	}
	b.failures = 0

	if n > 0 {
		state := b.watcher.State()
		b.Logger.Infof("Applied %d chain events, tip %d (%v)", n, state.Height, state.Hash)
	}
}
