package entities

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

type ChainEventKind int

const (
	EventBlockConnected ChainEventKind = iota
	EventBlockDisconnected
	EventMempoolTx
)

func (k ChainEventKind) String() string {
	switch k {
	case EventBlockConnected:
		return "connect"
	case EventBlockDisconnected:
		return "disconnect"
	case EventMempoolTx:
		return "mempool"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// OutpointSpend is an input of a transaction that spends a tracked outpoint.
type OutpointSpend struct {
	Outpoint    wire.OutPoint
	SpenderTxID chainhash.Hash
	InputIndex  uint32
	Witness     wire.TxWitness
	LockTime    uint32
}

// ChainEvent is produced by the chain watcher and consumed by the tracker.
// It is never mutated after creation.
type ChainEvent struct {
	Kind      ChainEventKind
	Height    int32
	BlockHash chainhash.Hash
	PrevHash  chainhash.Hash

	// Spends holds only spends of outpoints the tracker reported as tracked.
	Spends []OutpointSpend

	// Confirmed holds tracked commitment txids included in the block.
	Confirmed []chainhash.Hash
}

func (e ChainEvent) String() string {
	if e.Kind == EventMempoolTx {
		return fmt.Sprintf("mempool event (%d spends)", len(e.Spends))
	}
	return fmt.Sprintf("%v block %d (%v)", e.Kind, e.Height, e.BlockHash)
}

// ChainState is the watcher's view of the best chain.
type ChainState struct {
	Height int32
	Hash   chainhash.Hash
	// Recent maps height to block hash for the last few blocks, used to find
	// the fork point when the node switches chains.
	Recent map[int32]chainhash.Hash
}

// Copy returns an independent copy of the chain state.
func (s *ChainState) Copy() *ChainState {
	cp := &ChainState{
		Height: s.Height,
		Hash:   s.Hash,
		Recent: make(map[int32]chainhash.Hash, len(s.Recent)),
	}
	for h, hash := range s.Recent {
		cp.Recent[h] = hash
	}
	return cp
}
