package btcnode

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/entities"
)

// SimNode is an in-memory chain with a mempool. It backs the workers in
// tests and in the "sim" backend, where blocks are mined by hand.
type SimNode struct {
	mu      sync.Mutex
	blocks  []*wire.MsgBlock
	mempool map[chainhash.Hash]*wire.MsgTx
	order   []chainhash.Hash
	nonce   uint32

	feeRate  uint64
	sendHook func(tx *wire.MsgTx) error
}

var _ Node = (*SimNode)(nil)

// NewSimNode creates a chain of empty blocks with its tip at height.
func NewSimNode(height int32) *SimNode {
	s := &SimNode{
		mempool: make(map[chainhash.Hash]*wire.MsgTx),
		feeRate: 2,
	}
	s.blocks = append(s.blocks, s.newBlock(chainhash.Hash{}, nil))
	for int32(len(s.blocks)-1) < height {
		s.blocks = append(s.blocks, s.newBlock(s.blocks[len(s.blocks)-1].BlockHash(), nil))
	}
	return s
}

// SetFeeRate sets the sat/vB rate returned by EstimateFeeRate.
func (s *SimNode) SetFeeRate(rate uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeRate = rate
}

// SetSendHook installs a function run before every broadcast; a non-nil
// error is returned to the caller instead of accepting the transaction.
func (s *SimNode) SetSendHook(hook func(tx *wire.MsgTx) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendHook = hook
}

// Height returns the tip height.
func (s *SimNode) Height() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int32(len(s.blocks) - 1)
}

// MineBlock appends a block holding txs and drops them, and anything they
// conflict with, from the mempool.
func (s *SimNode) MineBlock(txs ...*wire.MsgTx) *chainhash.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	block := s.newBlock(s.blocks[len(s.blocks)-1].BlockHash(), txs)
	s.blocks = append(s.blocks, block)

	for _, tx := range txs {
		s.removeMempoolLocked(tx.TxHash())
		for _, in := range tx.TxIn {
			if conflict := s.mempoolSpenderLocked(in.PreviousOutPoint); conflict != nil {
				s.removeMempoolLocked(conflict.TxHash())
			}
		}
	}

	hash := block.BlockHash()
	return &hash
}

// MineMempool mines every mempool transaction into one block.
func (s *SimNode) MineMempool() *chainhash.Hash {
	s.mu.Lock()
	txs := make([]*wire.MsgTx, 0, len(s.order))
	for _, txID := range s.order {
		txs = append(txs, s.mempool[txID])
	}
	s.mu.Unlock()
	return s.MineBlock(txs...)
}

// MineEmpty mines n empty blocks.
func (s *SimNode) MineEmpty(n int) {
	for i := 0; i < n; i++ {
		s.MineBlock()
	}
}

// Disconnect removes every block above height. Their transactions return
// to the mempool.
func (s *SimNode) Disconnect(height int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for int32(len(s.blocks)-1) > height {
		block := s.blocks[len(s.blocks)-1]
		s.blocks = s.blocks[:len(s.blocks)-1]
		for _, tx := range block.Transactions {
			s.addMempoolLocked(tx)
		}
	}
}

// AddToMempool inserts tx without policy checks.
func (s *SimNode) AddToMempool(tx *wire.MsgTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMempoolLocked(tx)
}

// DropFromMempool evicts txID.
func (s *SimNode) DropFromMempool(txID chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeMempoolLocked(txID)
}

// InMempool reports whether txID waits in the mempool.
func (s *SimNode) InMempool(txID chainhash.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.mempool[txID]
	return ok
}

func (s *SimNode) GetBestBlock() (*chainhash.Hash, int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := s.blocks[len(s.blocks)-1].BlockHash()
	return &hash, int32(len(s.blocks) - 1), nil
}

func (s *SimNode) GetBlockHash(height int32) (*chainhash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if height < 0 || int(height) >= len(s.blocks) {
		return nil, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	hash := s.blocks[height].BlockHash()
	return &hash, nil
}

func (s *SimNode) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, block := range s.blocks {
		if block.BlockHash() == *hash {
			return block, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, hash)
}

func (s *SimNode) GetTransaction(txID *chainhash.Hash) (*wire.MsgTx, *entities.TxDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx, ok := s.mempool[*txID]; ok {
		return tx, &entities.TxDetail{State: entities.TxInMempool}, nil
	}
	tx, height := s.findConfirmedLocked(*txID)
	if tx == nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTxNotFound, txID)
	}
	tip := int32(len(s.blocks) - 1)
	return tx, &entities.TxDetail{
		State:         entities.TxConfirmed,
		Confirmations: int64(tip - height + 1),
		BlockHeight:   height,
		BlockHash:     s.blocks[height].BlockHash(),
	}, nil
}

func (s *SimNode) GetTxOut(outpoint wire.OutPoint, includeMempool bool) (*TxOut, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		tx            *wire.MsgTx
		confirmations int64
	)
	if confirmed, height := s.findConfirmedLocked(outpoint.Hash); confirmed != nil {
		tx = confirmed
		confirmations = int64(int32(len(s.blocks)-1) - height + 1)
	} else if includeMempool {
		tx = s.mempool[outpoint.Hash]
	}
	if tx == nil || int(outpoint.Index) >= len(tx.TxOut) {
		return nil, nil
	}
	if s.chainSpenderLocked(outpoint) != nil {
		return nil, nil
	}
	if includeMempool && s.mempoolSpenderLocked(outpoint) != nil {
		return nil, nil
	}

	out := tx.TxOut[outpoint.Index]
	return &TxOut{Value: out.Value, PkScript: out.PkScript, Confirmations: confirmations}, nil
}

func (s *SimNode) GetRawMempool() ([]*chainhash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashes := make([]*chainhash.Hash, 0, len(s.order))
	for i := range s.order {
		txID := s.order[i]
		hashes = append(hashes, &txID)
	}
	return hashes, nil
}

// SendRawTransaction applies a small subset of relay policy: duplicates of
// confirmed transactions, spends of spent outputs and replacements that do
// not pay more are rejected with bitcoind's error codes.
func (s *SimNode) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendHook != nil {
		if err := s.sendHook(tx); err != nil {
			return nil, err
		}
	}

	txID := tx.TxHash()
	if confirmed, _ := s.findConfirmedLocked(txID); confirmed != nil {
		return nil, &btcjson.RPCError{Code: -27, Message: "Transaction already in block chain"}
	}
	if _, ok := s.mempool[txID]; ok {
		return &txID, nil
	}

	for _, in := range tx.TxIn {
		if s.chainSpenderLocked(in.PreviousOutPoint) != nil {
			return nil, &btcjson.RPCError{Code: -25, Message: "bad-txns-inputs-missingorspent"}
		}
	}
	for _, in := range tx.TxIn {
		conflict := s.mempoolSpenderLocked(in.PreviousOutPoint)
		if conflict == nil {
			continue
		}
		if totalOut(tx) >= totalOut(conflict) {
			return nil, &btcjson.RPCError{Code: -26, Message: "insufficient fee"}
		}
		s.removeMempoolLocked(conflict.TxHash())
	}

	s.addMempoolLocked(tx)
	return &txID, nil
}

func (s *SimNode) EstimateFeeRate(confTarget int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeRate, nil
}

func (s *SimNode) newBlock(prev chainhash.Hash, txs []*wire.MsgTx) *wire.MsgBlock {
	s.nonce++
	return &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   4,
			PrevBlock: prev,
			Timestamp: time.Unix(1600000000+int64(s.nonce)*600, 0),
			Nonce:     s.nonce,
		},
		Transactions: txs,
	}
}

func (s *SimNode) findConfirmedLocked(txID chainhash.Hash) (*wire.MsgTx, int32) {
	for height, block := range s.blocks {
		for _, tx := range block.Transactions {
			if tx.TxHash() == txID {
				return tx, int32(height)
			}
		}
	}
	return nil, 0
}

func (s *SimNode) chainSpenderLocked(outpoint wire.OutPoint) *wire.MsgTx {
	for _, block := range s.blocks {
		for _, tx := range block.Transactions {
			if spends(tx, outpoint) {
				return tx
			}
		}
	}
	return nil
}

func (s *SimNode) mempoolSpenderLocked(outpoint wire.OutPoint) *wire.MsgTx {
	for _, txID := range s.order {
		if tx := s.mempool[txID]; spends(tx, outpoint) {
			return tx
		}
	}
	return nil
}

func (s *SimNode) addMempoolLocked(tx *wire.MsgTx) {
	txID := tx.TxHash()
	if _, ok := s.mempool[txID]; ok {
		return
	}
	s.mempool[txID] = tx
	s.order = append(s.order, txID)
}

func (s *SimNode) removeMempoolLocked(txID chainhash.Hash) {
	if _, ok := s.mempool[txID]; !ok {
		return
	}
	delete(s.mempool, txID)
	for i, id := range s.order {
		if id == txID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func spends(tx *wire.MsgTx, outpoint wire.OutPoint) bool {
	for _, in := range tx.TxIn {
		if in.PreviousOutPoint == outpoint {
			return true
		}
	}
	return false
}

func totalOut(tx *wire.MsgTx) int64 {
	var total int64
	for _, out := range tx.TxOut {
		total += out.Value
	}
	return total
}
