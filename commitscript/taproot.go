package commitscript

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// NUMSKeyHex is the x-only BIP-341 "nothing up my sleeve" point. With it as
// internal key, the output can only be spent through the script path.
const NUMSKeyHex = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

// ErrNoCommittingOutput is returned when no output of a transaction pays to
// the taproot output of a commitment script.
var ErrNoCommittingOutput = errors.New("transaction has no output committing to the script")

// NUMSKey returns the parsed NUMS internal key.
func NUMSKey() *btcec.PublicKey {
	raw, _ := hex.DecodeString(NUMSKeyHex)
	key, err := schnorr.ParsePubKey(raw)
	if err != nil {
		panic(fmt.Sprintf("invalid NUMS key: %v", err))
	}
	return key
}

// ParseInternalKey decodes a hex x-only key; the empty string yields the
// NUMS key.
func ParseInternalKey(keyHex string) (*btcec.PublicKey, error) {
	if keyHex == "" {
		return NUMSKey(), nil
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode internal key: %w", err)
	}
	return schnorr.ParsePubKey(raw)
}

// TaprootCommitment is the single-leaf taproot output built from a
// commitment script.
type TaprootCommitment struct {
	Leaf         txscript.TapLeaf
	InternalKey  *btcec.PublicKey
	OutputKey    *btcec.PublicKey
	PkScript     []byte
	ControlBlock []byte
}

// NewTaprootCommitment derives the output script and control block for a
// tree holding only the given leaf script.
func NewTaprootCommitment(script []byte, internalKey *btcec.PublicKey) (*TaprootCommitment, error) {
	if internalKey == nil {
		internalKey = NUMSKey()
	}

	leaf := txscript.NewBaseTapLeaf(script)
	tree := txscript.AssembleTaprootScriptTree(leaf)
	root := tree.RootNode.TapHash()

	outputKey := txscript.ComputeTaprootOutputKey(internalKey, root[:])
	pkScript, err := txscript.PayToTaprootScript(outputKey)
	if err != nil {
		return nil, fmt.Errorf("build taproot script: %w", err)
	}

	controlBlock := tree.LeafMerkleProofs[0].ToControlBlock(internalKey)
	cbBytes, err := controlBlock.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize control block: %w", err)
	}

	return &TaprootCommitment{
		Leaf:         leaf,
		InternalKey:  internalKey,
		OutputKey:    outputKey,
		PkScript:     pkScript,
		ControlBlock: cbBytes,
	}, nil
}

// MatchOutput finds the first output of tx paying to the taproot output of
// script.
func MatchOutput(tx *wire.MsgTx, script []byte, internalKey *btcec.PublicKey) (uint32, *TaprootCommitment, error) {
	commitment, err := NewTaprootCommitment(script, internalKey)
	if err != nil {
		return 0, nil, err
	}
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, commitment.PkScript) {
			return uint32(i), commitment, nil
		}
	}
	return 0, nil, ErrNoCommittingOutput
}
