package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/broadcast"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/incognitochain/pegin-workers/scheduler"
	"github.com/incognitochain/pegin-workers/tracker"
	"github.com/incognitochain/pegin-workers/utils"
)

type ClaimScheduler struct {
	WorkerAbs
	policy scheduler.Policy
	// outpoints already reported as stuck at the fee cap
	capped map[wire.OutPoint]struct{}
}

func (b *ClaimScheduler) Init(id int, name string, freq time.Duration, network string, services *Services) error {
	b.WorkerAbs.Init(id, name, freq, network, services)
	b.policy = services.Config.Scheduler.WithDefaults()
	b.capped = make(map[wire.OutPoint]struct{})
	return nil
}

// feeEstimate prefers the fee API and falls back to the node. Zero means no
// estimate, so the scheduler uses its default rate.
func (b *ClaimScheduler) feeEstimate() uint64 {
	if url := b.Services.Config.FeeAPIURL; url != "" {
		fees, err := utils.GetRecommendedFees(url)
		if err == nil && fees.HalfHourFee > 0 {
			return fees.HalfHourFee
		}
		b.Logger.Warnf("Could not get recommended fees - with err: %v", err)
	}
	rate, err := b.Services.Node.EstimateFeeRate(FeeConfTarget)
	if err != nil {
		b.Logger.Warnf("Could not estimate fee rate - with err: %v", err)
		return 0
	}
	return rate
}

func (b *ClaimScheduler) Execute(ctx context.Context) {
	b.Logger.Debug("ClaimScheduler worker is executing...")

	t := b.Services.Tracker
	tip := t.Tip()
	if tip == 0 {
		b.Logger.Info("Chain tip unknown yet, skipping")
		return
	}

	expired, err := t.ExpireAt(tip)
	if err != nil {
		b.ExportErrorLog(fmt.Sprintf("Could not expire commitments at %d - with err: %v", tip, err))
		return
	}
	for _, op := range expired {
		b.ExportErrorLog(fmt.Sprintf("Commitment %v expired unclaimed at height %d", op, tip))
	}

	plan := scheduler.Tick(t.Snapshot(), tip, b.feeEstimate(), b.policy)

	for _, op := range plan.AtFeeCap {
		if _, ok := b.capped[op]; ok {
			continue
		}
		b.capped[op] = struct{}{}
		b.ExportErrorLog(fmt.Sprintf("Claim of %v needs a fee bump but already pays the maximum of %d sat/vB",
			op, b.policy.MaxFeeRate))
	}
	if len(plan.Deferred) > 0 {
		b.Logger.Warnf("%d eligible commitments deferred to the next tick", len(plan.Deferred))
	}

	for _, intent := range plan.Intents {
		if ctx.Err() != nil {
			return
		}
		b.claim(ctx, tip, intent)
	}
}

func (b *ClaimScheduler) claim(ctx context.Context, tip int32, intent entities.ClaimIntent) {
	t := b.Services.Tracker
	op := intent.Outpoint

	c, ok := t.Get(op)
	if !ok {
		return
	}

	tx, err := b.Services.Claimer.Claim(ctx, c, intent)
	if err != nil {
		b.ExportErrorLog(fmt.Sprintf("Could not build claim of %v (%v, %d sat/vB) - with err: %v",
			op, intent.Reason, intent.FeeRate, err))
		return
	}
	txID := tx.TxHash()

	if err := t.BeginClaim(op, txID, intent.FeeRate, tip); err != nil {
		if errors.Is(err, tracker.ErrClaimWindowClosed) {
			b.Logger.Warnf("Claim window of %v closed before broadcast", op)
			return
		}
		b.ExportErrorLog(fmt.Sprintf("Could not record claim %v of %v - with err: %v", txID, op, err))
		return
	}
	delete(b.capped, op)
	b.Logger.Infof("Broadcasting claim %v of %v: %v, attempt %d, %d sat/vB",
		txID, op, intent.Reason, intent.Attempt, intent.FeeRate)

	err = b.Services.Broadcaster.Broadcast(ctx, op, tx)
	switch {
	case err == nil:
		return
	case errors.Is(err, broadcast.ErrFeeTooLow):
		b.Logger.Warnf("Claim %v of %v rejected for low fee", txID, op)
		err = t.RecordRejection(op, txID, entities.RejectFeeTooLow)
	case errors.Is(err, broadcast.ErrConflict):
		b.Logger.Warnf("Claim %v of %v conflicts with another spend", txID, op)
		err = t.RecordRejection(op, txID, entities.RejectConflict)
	case errors.Is(err, broadcast.ErrAbandoned):
		b.Logger.Debugf("Claim %v of %v abandoned: %v", txID, op, err)
		return
	default:
		b.ExportErrorLog(fmt.Sprintf("Could not broadcast claim %v of %v - with err: %v", txID, op, err))
		return
	}
	if err != nil && !errors.Is(err, tracker.ErrStaleClaim) {
		b.ExportErrorLog(fmt.Sprintf("Could not record rejection of %v - with err: %v", txID, err))
	}
}
