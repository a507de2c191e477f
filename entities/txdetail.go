package entities

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type TxState int

const (
	TxNotFound TxState = iota
	TxInMempool
	TxConfirmed
)

func (s TxState) String() string {
	switch s {
	case TxInMempool:
		return "mempool"
	case TxConfirmed:
		return "confirmed"
	default:
		return "not-found"
	}
}

// TxDetail is the confirmation status of a transaction as seen by the node.
type TxDetail struct {
	State         TxState
	Confirmations int64
	BlockHeight   int32
	BlockHash     chainhash.Hash
}

func (d *TxDetail) IsInBlock() bool {
	return d.State == TxConfirmed
}
