// Package btcnode hides the Bitcoin backends behind one narrow interface so
// that workers can run against bitcoind, BlockCypher or an in-memory chain.
package btcnode

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/entities"
)

var (
	// ErrTxNotFound is returned when the backend knows nothing of a txid.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrBlockNotFound is returned for heights above the tip or unknown hashes.
	ErrBlockNotFound = errors.New("block not found")
)

// TxOut is an unspent output as reported by the backend.
type TxOut struct {
	Value         int64
	PkScript      []byte
	Confirmations int64
}

// Node is the read/broadcast surface workers need from a Bitcoin backend.
type Node interface {
	// GetBestBlock returns the hash and height of the current tip.
	GetBestBlock() (*chainhash.Hash, int32, error)

	GetBlockHash(height int32) (*chainhash.Hash, error)

	GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error)

	// GetTransaction returns the transaction with its confirmation state.
	GetTransaction(txID *chainhash.Hash) (*wire.MsgTx, *entities.TxDetail, error)

	// GetTxOut returns nil without error when the output is spent or unknown.
	GetTxOut(outpoint wire.OutPoint, includeMempool bool) (*TxOut, error)

	GetRawMempool() ([]*chainhash.Hash, error)

	SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error)

	// EstimateFeeRate returns a fee rate in sat/vB for the confirmation target.
	EstimateFeeRate(confTarget int64) (uint64, error)
}

// satPerVByteFromKVB rounds a BTC/kvB rate up to whole sat/vB.
func satPerVByteFromKVB(btcPerKVB float64) (uint64, error) {
	amount, err := btcutil.NewAmount(btcPerKVB)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 1, nil
	}
	return (uint64(amount) + 999) / 1000, nil
}
