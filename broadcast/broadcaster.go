// Package broadcast submits signed claims to the node and reports their
// confirmation state.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"
	"github.com/incognitochain/pegin-workers/btcnode"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxRetries      = 5
	DefaultInitialInterval = 2 * time.Second
	DefaultMaxInterval     = time.Minute
)

// StatusSource exposes the current state of a commitment.
type StatusSource interface {
	Get(op wire.OutPoint) (*entities.Commitment, bool)
}

type Config struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Broadcaster struct {
	node   btcnode.Node
	status StatusSource
	cfg    Config
	logger *logrus.Entry
}

func NewBroadcaster(node btcnode.Node, status StatusSource, cfg Config, logger *logrus.Entry) *Broadcaster {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Broadcaster{
		node:   node,
		status: status,
		cfg:    cfg,
		logger: logger.WithField("component", "broadcaster"),
	}
}

// Broadcast submits the claim of op. Network failures are retried with
// exponential backoff; fee and conflict rejections are returned at once as
// ErrFeeTooLow and ErrConflict. A transaction already in the chain counts
// as broadcast. Before each attempt the commitment must still be in flight
// with tx as its claim, otherwise ErrAbandoned is returned.
func (b *Broadcaster) Broadcast(ctx context.Context, op wire.OutPoint, tx *wire.MsgTx) error {
	txID := tx.TxHash()
	attempt := 0

	operation := func() error {
		attempt++
		if err := b.checkInFlight(op, txID); err != nil {
			return backoff.Permanent(err)
		}

		_, err := b.node.SendRawTransaction(tx)
		if err == nil {
			return nil
		}

		switch classify(err) {
		case accepted:
			b.logger.Infof("Claim %v of %v already known to the node: %v", txID, op, err)
			return nil
		case feeTooLow:
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrFeeTooLow, err))
		case conflict:
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrConflict, err))
		case rejected:
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrRejected, err))
		default:
			b.logger.Warnf("Broadcast of claim %v of %v failed (attempt %d): %v", txID, op, attempt, err)
			return err
		}
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.cfg.InitialInterval
	exp.MaxInterval = b.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, b.cfg.MaxRetries), ctx)

	err := backoff.Retry(operation, policy)
	if err != nil {
		if errors.Is(err, ErrAbandoned) {
			b.logger.Debugf("Claim %v of %v abandoned", txID, op)
		}
		return err
	}
	b.logger.Infof("Broadcast claim %v of %v", txID, op)
	return nil
}

func (b *Broadcaster) checkInFlight(op wire.OutPoint, txID chainhash.Hash) error {
	c, ok := b.status.Get(op)
	if !ok {
		return fmt.Errorf("%w: %v no longer tracked", ErrAbandoned, op)
	}
	if c.Status != entities.StatusClaimInFlight {
		return fmt.Errorf("%w: %v is %v", ErrAbandoned, op, c.Status)
	}
	if c.ClaimTxID == nil || *c.ClaimTxID != txID {
		return fmt.Errorf("%w: %v superseded", ErrAbandoned, txID)
	}
	return nil
}

// Poll reports whether txID is unknown, in the mempool or confirmed.
func (b *Broadcaster) Poll(ctx context.Context, txID chainhash.Hash) (*entities.TxDetail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, detail, err := b.node.GetTransaction(&txID)
	if errors.Is(err, btcnode.ErrTxNotFound) {
		return &entities.TxDetail{State: entities.TxNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	return detail, nil
}
