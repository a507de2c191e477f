// Package intake validates (txid, script) announcements and hands the
// resulting commitments to the tracker.
package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/btcnode"
	"github.com/incognitochain/pegin-workers/commitscript"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is transient: the node does not know the transaction yet.
	ErrNotFound = errors.New("announced transaction not found")
	// ErrUnconfirmed is transient: the transaction is not deep enough yet.
	ErrUnconfirmed = errors.New("announced transaction not confirmed")
	// ErrScriptMismatch means no output of the transaction commits to the
	// announced script.
	ErrScriptMismatch = errors.New("no output commits to the announced script")
	// ErrInvalidScript means the script is not a commitment script for this
	// signer set.
	ErrInvalidScript = errors.New("invalid commitment script")
	// ErrAlreadySpent means the committing output was spent on chain.
	ErrAlreadySpent = errors.New("commitment output already spent")
)

// IsTransient reports whether a Submit error may succeed on a later retry.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrScriptMismatch), errors.Is(err, ErrInvalidScript), errors.Is(err, ErrAlreadySpent):
		return false
	default:
		return true
	}
}

// Tracker receives validated commitments.
type Tracker interface {
	Insert(c *entities.Commitment) (bool, error)
	IsTracked(op wire.OutPoint) bool
	IsArchived(op wire.OutPoint) bool
}

type Config struct {
	// PegPubKey is the signer set's key. Scripts paying any other key are
	// rejected.
	PegPubKey *btcec.PublicKey
	// InternalKey is the Taproot internal key; nil means the NUMS point.
	InternalKey *btcec.PublicKey
	// MinConfirmations is the depth required before a commitment is accepted.
	MinConfirmations int64
}

type Intake struct {
	node    btcnode.Node
	tracker Tracker
	cfg     Config
	logger  *logrus.Entry
}

func New(node btcnode.Node, tracker Tracker, cfg Config, logger *logrus.Entry) *Intake {
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = 1
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Intake{
		node:    node,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger.WithField("component", "intake"),
	}
}

// Submit validates the announced commitment and starts tracking it. It
// never changes tracked state on error; submitting a known commitment
// again is a no-op.
func (in *Intake) Submit(ctx context.Context, txID chainhash.Hash, script []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, detail, err := in.node.GetTransaction(&txID)
	if errors.Is(err, btcnode.ErrTxNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, txID)
	}
	if err != nil {
		return fmt.Errorf("get transaction %v: %w", txID, err)
	}
	if !detail.IsInBlock() || detail.Confirmations < in.cfg.MinConfirmations {
		return fmt.Errorf("%w: %v has %d confirmations", ErrUnconfirmed, txID, detail.Confirmations)
	}

	index, taproot, err := commitscript.MatchOutput(tx, script, in.cfg.InternalKey)
	if errors.Is(err, commitscript.ErrNoCommittingOutput) {
		return fmt.Errorf("%w: %v", ErrScriptMismatch, txID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrScriptMismatch, err)
	}

	op := wire.OutPoint{Hash: txID, Index: index}
	// Already known: its later spends are the tracker's business.
	if in.tracker.IsTracked(op) || in.tracker.IsArchived(op) {
		return nil
	}

	cs, err := commitscript.Recognize(script)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScript, err)
	}
	if in.cfg.PegPubKey != nil &&
		!bytes.Equal(schnorr.SerializePubKey(cs.PegPubKey), schnorr.SerializePubKey(in.cfg.PegPubKey)) {
		return fmt.Errorf("%w: peg key %x is not ours", ErrInvalidScript, schnorr.SerializePubKey(cs.PegPubKey))
	}

	out, err := in.node.GetTxOut(op, false)
	if err != nil {
		return fmt.Errorf("get tx out %v: %w", op, err)
	}
	if out == nil {
		return fmt.Errorf("%w: %v", ErrAlreadySpent, op)
	}

	height, hash := detail.BlockHeight, detail.BlockHash
	c := &entities.Commitment{
		Outpoint:        op,
		Payload:         append([]byte(nil), cs.Payload[:]...),
		TimeoutHeight:   cs.TimeoutHeight,
		ConfirmedHeight: &height,
		ConfirmedBlock:  &hash,
		Status:          entities.StatusPending,
		Amount:          tx.TxOut[index].Value,
		PkScript:        taproot.PkScript,
		Script:          append([]byte(nil), script...),
		UserPubKey:      schnorr.SerializePubKey(cs.UserPubKey),
		PegPubKey:       schnorr.SerializePubKey(cs.PegPubKey),
	}
	inserted, err := in.tracker.Insert(c)
	if err != nil {
		return fmt.Errorf("insert %v: %w", op, err)
	}
	if inserted {
		in.logger.Infof("Accepted commitment %v: %d sat, timeout %d, confirmed at %d",
			op, c.Amount, c.TimeoutHeight, height)
	} else {
		in.logger.Debugf("Commitment %v already known", op)
	}
	return nil
}
