package btcnode

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/entities"
)

// BitcoindNode talks to Bitcoin Core over JSON-RPC. The node needs txindex
// for lookups of confirmed transactions it does not hold in its wallet.
type BitcoindNode struct {
	client *rpcclient.Client
}

var _ Node = (*BitcoindNode)(nil)

func NewBitcoindNode(client *rpcclient.Client) *BitcoindNode {
	return &BitcoindNode{client: client}
}

func (n *BitcoindNode) Client() *rpcclient.Client {
	return n.client
}

func (n *BitcoindNode) GetBestBlock() (*chainhash.Hash, int32, error) {
	height, err := n.client.GetBlockCount()
	if err != nil {
		return nil, 0, err
	}
	hash, err := n.client.GetBlockHash(height)
	if err != nil {
		return nil, 0, err
	}
	return hash, int32(height), nil
}

func (n *BitcoindNode) GetBlockHash(height int32) (*chainhash.Hash, error) {
	hash, err := n.client.GetBlockHash(int64(height))
	if isRPCCode(err, btcjson.ErrRPCInvalidParameter) {
		return nil, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	return hash, err
}

func (n *BitcoindNode) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	block, err := n.client.GetBlock(hash)
	if isRPCCode(err, btcjson.ErrRPCBlockNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, hash)
	}
	return block, err
}

func (n *BitcoindNode) GetTransaction(txID *chainhash.Hash) (*wire.MsgTx, *entities.TxDetail, error) {
	res, err := n.client.GetRawTransactionVerbose(txID)
	if err != nil {
		if isRPCCode(err, btcjson.ErrRPCNoTxInfo) {
			return nil, nil, fmt.Errorf("%w: %v", ErrTxNotFound, txID)
		}
		return nil, nil, err
	}

	raw, err := hex.DecodeString(res.Hex)
	if err != nil {
		return nil, nil, fmt.Errorf("decode tx %v: %w", txID, err)
	}
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, nil, fmt.Errorf("deserialize tx %v: %w", txID, err)
	}

	detail := &entities.TxDetail{State: entities.TxInMempool}
	if res.BlockHash != "" && res.Confirmations > 0 {
		blockHash, err := chainhash.NewHashFromStr(res.BlockHash)
		if err != nil {
			return nil, nil, err
		}
		header, err := n.client.GetBlockHeaderVerbose(blockHash)
		if err != nil {
			return nil, nil, err
		}
		detail.State = entities.TxConfirmed
		detail.Confirmations = int64(res.Confirmations)
		detail.BlockHeight = header.Height
		detail.BlockHash = *blockHash
	}
	return tx, detail, nil
}

func (n *BitcoindNode) GetTxOut(outpoint wire.OutPoint, includeMempool bool) (*TxOut, error) {
	res, err := n.client.GetTxOut(&outpoint.Hash, outpoint.Index, includeMempool)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	pkScript, err := hex.DecodeString(res.ScriptPubKey.Hex)
	if err != nil {
		return nil, err
	}
	value, err := btcutil.NewAmount(res.Value)
	if err != nil {
		return nil, err
	}
	return &TxOut{
		Value:         int64(value),
		PkScript:      pkScript,
		Confirmations: res.Confirmations,
	}, nil
}

func (n *BitcoindNode) GetRawMempool() ([]*chainhash.Hash, error) {
	return n.client.GetRawMempool()
}

func (n *BitcoindNode) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	return n.client.SendRawTransaction(tx, false)
}

func (n *BitcoindNode) EstimateFeeRate(confTarget int64) (uint64, error) {
	mode := btcjson.EstimateModeConservative
	res, err := n.client.EstimateSmartFee(confTarget, &mode)
	if err != nil {
		return 0, err
	}
	if res.FeeRate == nil {
		return 0, fmt.Errorf("no fee estimate for target %d: %v", confTarget, res.Errors)
	}
	return satPerVByteFromKVB(*res.FeeRate)
}

func isRPCCode(err error, codes ...btcjson.RPCErrorCode) bool {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	for _, code := range codes {
		if rpcErr.Code == code {
			return true
		}
	}
	return false
}
