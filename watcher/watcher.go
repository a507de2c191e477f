// Package watcher follows the node's best chain and turns it into chain
// events for the commitment tracker.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/btcnode"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
)

// ChainStateKey is the leveldb key of the persisted chain state.
const ChainStateKey = "chainstate"

const (
	DefaultRecentWindow     = 100
	DefaultMaxBlocksPerPoll = 50
)

var (
	// ErrForkTooDeep means the node switched to a chain that forks below the
	// remembered window. Operators have to intervene.
	ErrForkTooDeep = errors.New("fork point below recent window")
	// ErrChainMoved means the node's chain changed while blocks were being
	// fetched. The next poll picks up the new chain.
	ErrChainMoved = errors.New("chain changed during poll")
)

// Tracker is the part of the commitment tracker the watcher feeds.
type Tracker interface {
	IsTracked(op wire.OutPoint) bool
	IsTrackedTx(txID chainhash.Hash) bool
	ApplyEvent(ev entities.ChainEvent) error
}

type Config struct {
	// StartHeight is the first block to scan when no chain state is
	// persisted. Zero starts from the current tip.
	StartHeight      int32
	RecentWindow     int32
	MaxBlocksPerPoll int32
	// WatchMempool enables mempool polling.
	WatchMempool bool
}

type Watcher struct {
	node    btcnode.Node
	tracker Tracker
	db      *leveldb.DB
	cfg     Config

	state       *entities.ChainState
	seenMempool map[chainhash.Hash]struct{}

	logger *logrus.Entry
}

// New restores the chain state persisted in db, if any.
func New(node btcnode.Node, tracker Tracker, db *leveldb.DB, cfg Config, logger *logrus.Entry) (*Watcher, error) {
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultRecentWindow
	}
	if cfg.MaxBlocksPerPoll <= 0 {
		cfg.MaxBlocksPerPoll = DefaultMaxBlocksPerPoll
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &Watcher{
		node:        node,
		tracker:     tracker,
		db:          db,
		cfg:         cfg,
		seenMempool: make(map[chainhash.Hash]struct{}),
		logger:      logger.WithField("component", "watcher"),
	}

	raw, err := db.Get([]byte(ChainStateKey), nil)
	switch {
	case err == nil:
		var state entities.ChainState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("decode chain state: %w", err)
		}
		if state.Recent == nil {
			state.Recent = make(map[int32]chainhash.Hash)
		}
		w.state = &state
		w.logger.Infof("Restored chain state at height %d (%v)", state.Height, state.Hash)
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return nil, fmt.Errorf("load chain state: %w", err)
	}
	return w, nil
}

// State returns a copy of the current chain state, or nil before the first
// poll of a fresh database.
func (w *Watcher) State() *entities.ChainState {
	if w.state == nil {
		return nil
	}
	return w.state.Copy()
}

// Poll brings the tracker up to the node's best chain. Orphaned blocks are
// disconnected from the old tip down to the fork point before new blocks
// are connected upwards. It returns the number of events applied.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	if w.state == nil {
		if err := w.initState(); err != nil {
			return 0, err
		}
	}

	bestHash, bestHeight, err := w.node.GetBestBlock()
	if err != nil {
		return 0, fmt.Errorf("get best block: %w", err)
	}

	applied := 0
	if *bestHash != w.state.Hash {
		fork, err := w.findFork(bestHeight)
		if err != nil {
			return 0, err
		}

		for h := w.state.Height; h > fork; h-- {
			if err := ctx.Err(); err != nil {
				return applied, err
			}
			if err := w.disconnect(h); err != nil {
				return applied, err
			}
			applied++
		}

		end := bestHeight
		if end-fork > w.cfg.MaxBlocksPerPoll {
			end = fork + w.cfg.MaxBlocksPerPoll
		}
		for h := fork + 1; h <= end; h++ {
			if err := ctx.Err(); err != nil {
				return applied, err
			}
			if err := w.connect(h); err != nil {
				return applied, err
			}
			applied++
		}
		if end < bestHeight {
			w.logger.Infof("Caught up to %d of %d, continuing next poll", end, bestHeight)
			return applied, nil
		}
	}

	if w.cfg.WatchMempool {
		n, err := w.pollMempool(ctx)
		if err != nil {
			return applied, err
		}
		applied += n
	}
	return applied, nil
}

func (w *Watcher) initState() error {
	hash, height, err := w.node.GetBestBlock()
	if err != nil {
		return fmt.Errorf("get best block: %w", err)
	}

	if w.cfg.StartHeight > 0 && w.cfg.StartHeight <= height {
		height = w.cfg.StartHeight - 1
		hash, err = w.node.GetBlockHash(height)
		if err != nil {
			return fmt.Errorf("get block hash %d: %w", height, err)
		}
	}

	w.state = &entities.ChainState{
		Height: height,
		Hash:   *hash,
		Recent: map[int32]chainhash.Hash{height: *hash},
	}
	w.logger.Infof("Starting chain watch after height %d (%v)", height, hash)
	return w.saveState()
}

// findFork returns the highest remembered height whose hash still matches
// the node's chain.
func (w *Watcher) findFork(bestHeight int32) (int32, error) {
	h := w.state.Height
	if bestHeight < h {
		h = bestHeight
	}
	lowest := w.state.Height - w.cfg.RecentWindow
	for ; h >= lowest && h >= 0; h-- {
		known, ok := w.state.Recent[h]
		if !ok {
			break
		}
		hash, err := w.node.GetBlockHash(h)
		if err != nil {
			return 0, fmt.Errorf("get block hash %d: %w", h, err)
		}
		if *hash == known {
			if h < w.state.Height {
				w.logger.Warnf("Reorg detected: fork at height %d, old tip %d, new tip %d",
					h, w.state.Height, bestHeight)
			}
			return h, nil
		}
	}
	return 0, fmt.Errorf("%w: tip %d, window %d", ErrForkTooDeep, w.state.Height, w.cfg.RecentWindow)
}

func (w *Watcher) disconnect(height int32) error {
	hash := w.state.Recent[height]
	prev := w.state.Recent[height-1]
	ev := entities.ChainEvent{
		Kind:      entities.EventBlockDisconnected,
		Height:    height,
		BlockHash: hash,
		PrevHash:  prev,
	}
	if err := w.tracker.ApplyEvent(ev); err != nil {
		return fmt.Errorf("apply %v: %w", ev, err)
	}

	delete(w.state.Recent, height)
	w.state.Height = height - 1
	w.state.Hash = prev
	return w.saveState()
}

func (w *Watcher) connect(height int32) error {
	hash, err := w.node.GetBlockHash(height)
	if err != nil {
		return fmt.Errorf("get block hash %d: %w", height, err)
	}
	block, err := w.node.GetBlock(hash)
	if err != nil {
		return fmt.Errorf("get block %v: %w", hash, err)
	}
	if block.Header.PrevBlock != w.state.Hash {
		return fmt.Errorf("%w: block %d does not build on %v", ErrChainMoved, height, w.state.Hash)
	}

	ev := w.blockEvent(height, *hash, block)
	if err := w.tracker.ApplyEvent(ev); err != nil {
		return fmt.Errorf("apply %v: %w", ev, err)
	}
	if len(ev.Spends) > 0 || len(ev.Confirmed) > 0 {
		w.logger.Infof("Block %d: %d tracked spends, %d commitments confirmed",
			height, len(ev.Spends), len(ev.Confirmed))
	}

	w.state.Height = height
	w.state.Hash = *hash
	w.state.Recent[height] = *hash
	delete(w.state.Recent, height-w.cfg.RecentWindow-1)
	return w.saveState()
}

func (w *Watcher) blockEvent(height int32, hash chainhash.Hash, block *wire.MsgBlock) entities.ChainEvent {
	ev := entities.ChainEvent{
		Kind:      entities.EventBlockConnected,
		Height:    height,
		BlockHash: hash,
		PrevHash:  block.Header.PrevBlock,
	}
	for _, tx := range block.Transactions {
		txID := tx.TxHash()
		if w.tracker.IsTrackedTx(txID) {
			ev.Confirmed = append(ev.Confirmed, txID)
		}
		ev.Spends = append(ev.Spends, w.trackedSpends(tx, txID)...)
	}
	return ev
}

func (w *Watcher) trackedSpends(tx *wire.MsgTx, txID chainhash.Hash) []entities.OutpointSpend {
	var spends []entities.OutpointSpend
	for i, in := range tx.TxIn {
		if !w.tracker.IsTracked(in.PreviousOutPoint) {
			continue
		}
		spends = append(spends, entities.OutpointSpend{
			Outpoint:    in.PreviousOutPoint,
			SpenderTxID: txID,
			InputIndex:  uint32(i),
			Witness:     in.Witness,
			LockTime:    tx.LockTime,
		})
	}
	return spends
}

// pollMempool emits one event per new mempool transaction that spends a
// tracked outpoint.
func (w *Watcher) pollMempool(ctx context.Context) (int, error) {
	txIDs, err := w.node.GetRawMempool()
	if err != nil {
		return 0, fmt.Errorf("get raw mempool: %w", err)
	}

	seen := make(map[chainhash.Hash]struct{}, len(txIDs))
	applied := 0
	for _, txID := range txIDs {
		seen[*txID] = struct{}{}
		if _, ok := w.seenMempool[*txID]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		tx, _, err := w.node.GetTransaction(txID)
		if errors.Is(err, btcnode.ErrTxNotFound) {
			delete(seen, *txID)
			continue
		}
		if err != nil {
			return applied, fmt.Errorf("get mempool tx %v: %w", txID, err)
		}

		spends := w.trackedSpends(tx, *txID)
		if len(spends) == 0 {
			continue
		}
		ev := entities.ChainEvent{Kind: entities.EventMempoolTx, Height: w.state.Height, Spends: spends}
		if err := w.tracker.ApplyEvent(ev); err != nil {
			return applied, fmt.Errorf("apply %v: %w", ev, err)
		}
		applied++
	}
	w.seenMempool = seen
	return applied, nil
}

func (w *Watcher) saveState() error {
	raw, err := json.Marshal(w.state)
	if err != nil {
		return fmt.Errorf("encode chain state: %w", err)
	}
	if err := w.db.Put([]byte(ChainStateKey), raw, nil); err != nil {
		return fmt.Errorf("save chain state: %w", err)
	}
	return nil
}
