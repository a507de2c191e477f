// Package signer builds claim transactions for tracked commitments and gets
// them signed by the peg wallet's signing service.
package signer

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/commitscript"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// ClaimSequence signals replaceability so stalled claims can be bumped.
const ClaimSequence = wire.MaxTxInSequenceNum - 2

var (
	ErrDustOutput   = errors.New("claim output would be dust")
	ErrBadSignature = errors.New("claim signature does not verify")
)

// ClaimTx is an unsigned claim of one commitment outpoint.
type ClaimTx struct {
	Tx      *wire.MsgTx
	PrevOut *wire.TxOut
	Taproot *commitscript.TaprootCommitment
	Script  []byte
	SigHash []byte
	Fee     btcutil.Amount
	VSize   int64
}

// BuildClaimTx spends the commitment to the intent destination through the
// peg wallet branch, paying intent.FeeRate.
func BuildClaimTx(c *entities.Commitment, intent entities.ClaimIntent, params *chaincfg.Params,
	internalKey *btcec.PublicKey) (*ClaimTx, error) {

	if c.Outpoint != intent.Outpoint {
		return nil, fmt.Errorf("intent for %v applied to %v", intent.Outpoint, c.Outpoint)
	}
	taproot, err := commitscript.NewTaprootCommitment(c.Script, internalKey)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(taproot.PkScript, c.PkScript) {
		return nil, fmt.Errorf("%w: internal key does not match %v", commitscript.ErrNoCommittingOutput, c.Outpoint)
	}

	addr, err := btcutil.DecodeAddress(intent.Destination, params)
	if err != nil {
		return nil, fmt.Errorf("decode destination %q: %w", intent.Destination, err)
	}
	destScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	prev := c.Outpoint
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: prev, Sequence: ClaimSequence})
	tx.AddTxOut(wire.NewTxOut(c.Amount, destScript))

	// Size with a dummy witness of the final shape.
	dummySig := make([]byte, schnorr.SignatureSize)
	tx.TxIn[0].Witness = commitscript.ClaimWitness(dummySig, c.Script, taproot.ControlBlock)
	vsize := mempool.GetTxVirtualSize(btcutil.NewTx(tx))
	tx.TxIn[0].Witness = nil

	feeRate := chainfee.SatPerKVByte(intent.FeeRate * 1000).FeePerKWeight()
	fee := feeRate.FeeForWeight(lntypes.WeightUnit(vsize * 4))

	tx.TxOut[0].Value = c.Amount - int64(fee)
	if tx.TxOut[0].Value <= 0 || mempool.IsDust(tx.TxOut[0], mempool.DefaultMinRelayTxFee) {
		return nil, fmt.Errorf("%w: amount %d, fee %d", ErrDustOutput, c.Amount, fee)
	}

	prevOut := wire.NewTxOut(c.Amount, c.PkScript)
	fetcher := txscript.NewCannedPrevOutputFetcher(prevOut.PkScript, prevOut.Value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	sigHash, err := txscript.CalcTapscriptSignaturehash(
		sigHashes, txscript.SigHashDefault, tx, 0, fetcher, taproot.Leaf,
	)
	if err != nil {
		return nil, fmt.Errorf("compute sighash: %w", err)
	}

	return &ClaimTx{
		Tx:      tx,
		PrevOut: prevOut,
		Taproot: taproot,
		Script:  c.Script,
		SigHash: sigHash,
		Fee:     fee,
		VSize:   vsize,
	}, nil
}

// Request renders the claim for the signing service.
func (ct *ClaimTx) Request(c *entities.Commitment, intent entities.ClaimIntent) (*entities.SignClaimRequest, error) {
	var buf bytes.Buffer
	if err := ct.Tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return &entities.SignClaimRequest{
		Outpoint:      c.Outpoint.String(),
		Destination:   intent.Destination,
		Amount:        c.Amount,
		FeeRate:       intent.FeeRate,
		Payload:       hex.EncodeToString(c.Payload),
		TimeoutHeight: c.TimeoutHeight,
		UnsignedTx:    hex.EncodeToString(buf.Bytes()),
		SigHash:       hex.EncodeToString(ct.SigHash),
		LeafScript:    hex.EncodeToString(ct.Script),
		ControlBlock:  hex.EncodeToString(ct.Taproot.ControlBlock),
	}, nil
}

// Finalize attaches sig to a copy of the claim and checks it with the
// script engine.
func (ct *ClaimTx) Finalize(sig []byte) (*wire.MsgTx, error) {
	if len(sig) != schnorr.SignatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes", ErrBadSignature, len(sig))
	}
	tx := ct.Tx.Copy()
	tx.TxIn[0].Witness = commitscript.ClaimWitness(sig, ct.Script, ct.Taproot.ControlBlock)
	if err := ct.Verify(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Verify runs the script engine over the claim input of tx. tx must spend
// the same outpoint to the same outputs as the unsigned claim.
func (ct *ClaimTx) Verify(tx *wire.MsgTx) error {
	if tx.TxHash() != ct.Tx.TxHash() {
		return fmt.Errorf("%w: signed tx %v differs from claim %v", ErrBadSignature, tx.TxHash(), ct.Tx.TxHash())
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(ct.PrevOut.PkScript, ct.PrevOut.Value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	engine, err := txscript.NewEngine(
		ct.PrevOut.PkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		sigHashes, ct.PrevOut.Value, fetcher,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := engine.Execute(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}
