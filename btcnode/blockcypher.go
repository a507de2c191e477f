package btcnode

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/blockcypher/gobcy"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/entities"
)

// blockTxPageSize is the largest page BlockCypher serves for block txids.
const blockTxPageSize = 500

// BlockCypherNode is a Node backed by the BlockCypher REST API. Scanning a
// block costs one request per transaction, so it suits low volume networks
// and broadcasting more than chain watching.
type BlockCypherNode struct {
	bcy gobcy.API
}

var _ Node = (*BlockCypherNode)(nil)

// NewBlockCypherNode takes the BlockCypher chain name ("main", "test3").
func NewBlockCypherNode(token string, chain string) *BlockCypherNode {
	return &BlockCypherNode{
		bcy: gobcy.API{Token: token, Coin: "btc", Chain: chain},
	}
}

func (n *BlockCypherNode) GetBestBlock() (*chainhash.Hash, int32, error) {
	chain, err := n.bcy.GetChain()
	if err != nil {
		return nil, 0, err
	}
	hash, err := chainhash.NewHashFromStr(chain.Hash)
	if err != nil {
		return nil, 0, err
	}
	return hash, int32(chain.Height), nil
}

func (n *BlockCypherNode) GetBlockHash(height int32) (*chainhash.Hash, error) {
	block, err := n.bcy.GetBlock(int(height), "", map[string]string{"limit": "1"})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
		}
		return nil, err
	}
	return chainhash.NewHashFromStr(block.Hash)
}

func (n *BlockCypherNode) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	var (
		txIDs []string
		prev  string
	)
	for start := 0; ; start += blockTxPageSize {
		page, err := n.bcy.GetBlock(0, hash.String(), map[string]string{
			"txstart": strconv.Itoa(start),
			"limit":   strconv.Itoa(blockTxPageSize),
		})
		if err != nil {
			if isNotFound(err) {
				return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, hash)
			}
			return nil, err
		}
		prev = page.PrevBlock
		txIDs = append(txIDs, page.TXids...)
		if len(page.TXids) < blockTxPageSize {
			break
		}
	}

	block := &wire.MsgBlock{}
	if prev != "" {
		prevHash, err := chainhash.NewHashFromStr(prev)
		if err != nil {
			return nil, err
		}
		block.Header.PrevBlock = *prevHash
	}
	for _, txID := range txIDs {
		tx, err := n.getRawTx(txID)
		if err != nil {
			return nil, err
		}
		block.Transactions = append(block.Transactions, tx)
	}
	return block, nil
}

func (n *BlockCypherNode) GetTransaction(txID *chainhash.Hash) (*wire.MsgTx, *entities.TxDetail, error) {
	bcyTx, err := n.bcy.GetTX(txID.String(), map[string]string{"includeHex": "true"})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, fmt.Errorf("%w: %v", ErrTxNotFound, txID)
		}
		return nil, nil, err
	}
	tx, err := decodeTxHex(bcyTx.Hex)
	if err != nil {
		return nil, nil, err
	}

	detail := &entities.TxDetail{State: entities.TxInMempool}
	if bcyTx.BlockHeight > 0 && bcyTx.Confirmations > 0 {
		blockHash, err := chainhash.NewHashFromStr(bcyTx.BlockHash)
		if err != nil {
			return nil, nil, err
		}
		detail.State = entities.TxConfirmed
		detail.Confirmations = int64(bcyTx.Confirmations)
		detail.BlockHeight = int32(bcyTx.BlockHeight)
		detail.BlockHash = *blockHash
	}
	return tx, detail, nil
}

func (n *BlockCypherNode) GetTxOut(outpoint wire.OutPoint, includeMempool bool) (*TxOut, error) {
	bcyTx, err := n.bcy.GetTX(outpoint.Hash.String(), map[string]string{
		"includeHex": "true",
		"outstart":   strconv.Itoa(int(outpoint.Index)),
		"limit":      "1",
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !includeMempool && bcyTx.Confirmations <= 0 {
		return nil, nil
	}
	if len(bcyTx.Outputs) == 0 || bcyTx.Outputs[0].SpentBy != "" {
		return nil, nil
	}

	tx, err := decodeTxHex(bcyTx.Hex)
	if err != nil {
		return nil, err
	}
	if int(outpoint.Index) >= len(tx.TxOut) {
		return nil, nil
	}
	out := tx.TxOut[outpoint.Index]
	return &TxOut{
		Value:         out.Value,
		PkScript:      out.PkScript,
		Confirmations: int64(bcyTx.Confirmations),
	}, nil
}

func (n *BlockCypherNode) GetRawMempool() ([]*chainhash.Hash, error) {
	txs, err := n.bcy.GetUnTX()
	if err != nil {
		return nil, err
	}
	hashes := make([]*chainhash.Hash, 0, len(txs))
	for _, tx := range txs {
		hash, err := chainhash.NewHashFromStr(tx.Hash)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (n *BlockCypherNode) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	skel, err := n.bcy.PushTX(hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	if skel.Trans.Hash == "" {
		txHash := tx.TxHash()
		return &txHash, nil
	}
	return chainhash.NewHashFromStr(skel.Trans.Hash)
}

// EstimateFeeRate maps the confirmation target onto BlockCypher's three
// fee buckets, which are quoted in sat/kB.
func (n *BlockCypherNode) EstimateFeeRate(confTarget int64) (uint64, error) {
	chain, err := n.bcy.GetChain()
	if err != nil {
		return 0, err
	}
	perKB := chain.LowFee
	switch {
	case confTarget <= 2:
		perKB = chain.HighFee
	case confTarget <= 6:
		perKB = chain.MediumFee
	}
	if perKB <= 0 {
		return 1, nil
	}
	return uint64(perKB+999) / 1000, nil
}

func (n *BlockCypherNode) getRawTx(txID string) (*wire.MsgTx, error) {
	bcyTx, err := n.bcy.GetTX(txID, map[string]string{"includeHex": "true"})
	if err != nil {
		return nil, err
	}
	return decodeTxHex(bcyTx.Hex)
}

func decodeTxHex(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, err
	}
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

// gobcy only surfaces the HTTP status in the error text.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "404")
}
