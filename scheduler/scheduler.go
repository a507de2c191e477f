// Package scheduler derives claim intents from tracker snapshots. It holds no
// state: whether a claim is outstanding is read from the commitment itself.
package scheduler

import (
	"errors"
	"sort"

	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/incognitochain/pegin-workers/tracker"
	"github.com/incognitochain/pegin-workers/utils"
)

const (
	DefaultClaimMargin       = 12
	DefaultStallBlocks       = 6
	DefaultMaxIntentsPerTick = 10
	DefaultFeeRate           = 10  // sat/vB
	DefaultMaxFeeRate        = 500 // sat/vB
	DefaultCoordinatorGrace  = 3
)

type Policy struct {
	// ClaimMargin is how many blocks before the timeout claiming starts.
	ClaimMargin int32
	// StallBlocks is how long a claim may stay unconfirmed before it is
	// replaced with a higher fee. A claim stalls once it has waited more
	// than StallBlocks blocks.
	StallBlocks       int32
	MaxIntentsPerTick int
	DefaultFeeRate    uint64
	MaxFeeRate        uint64

	// Destination is the peg wallet address claims pay to.
	Destination string

	NumSigners       uint32
	SignerID         uint32
	CoordinatorGrace int32
}

func (p Policy) WithDefaults() Policy {
	if p.ClaimMargin <= 0 {
		p.ClaimMargin = DefaultClaimMargin
	}
	if p.StallBlocks <= 0 {
		p.StallBlocks = DefaultStallBlocks
	}
	if p.MaxIntentsPerTick <= 0 {
		p.MaxIntentsPerTick = DefaultMaxIntentsPerTick
	}
	if p.DefaultFeeRate == 0 {
		p.DefaultFeeRate = DefaultFeeRate
	}
	if p.MaxFeeRate == 0 {
		p.MaxFeeRate = DefaultMaxFeeRate
	}
	if p.NumSigners == 0 {
		p.NumSigners = 1
	}
	if p.CoordinatorGrace <= 0 {
		p.CoordinatorGrace = DefaultCoordinatorGrace
	}
	return p
}

// Plan is the outcome of one tick.
type Plan struct {
	Intents []entities.ClaimIntent
	// AtFeeCap lists claims that needed a bump but already pay MaxFeeRate.
	AtFeeCap []wire.OutPoint
	// Deferred lists eligible commitments dropped by MaxIntentsPerTick.
	Deferred []wire.OutPoint
}

type candidate struct {
	commitment *entities.Commitment
	reason     entities.IntentReason
}

// Tick decides which commitments to claim at height. estimate is the
// current fee estimate in sat/vB, zero when none is available.
func Tick(snapshot []*entities.Commitment, height int32, estimate uint64, policy Policy) *Plan {
	policy = policy.WithDefaults()
	plan := &Plan{}

	var candidates []candidate
	for _, c := range snapshot {
		reason, ok := eligible(c, height, policy)
		if ok {
			candidates = append(candidates, candidate{commitment: c, reason: reason})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return tracker.Less(candidates[i].commitment, candidates[j].commitment)
	})

	for _, cand := range candidates {
		c := cand.commitment
		if len(plan.Intents) >= policy.MaxIntentsPerTick {
			plan.Deferred = append(plan.Deferred, c.Outpoint)
			continue
		}

		feeRate, err := feeRateFor(c, estimate, policy)
		if errors.Is(err, utils.ErrFeeRateAtCap) {
			plan.AtFeeCap = append(plan.AtFeeCap, c.Outpoint)
			continue
		}

		plan.Intents = append(plan.Intents, entities.ClaimIntent{
			Outpoint:      c.Outpoint,
			Destination:   policy.Destination,
			FeeRate:       feeRate,
			Payload:       append([]byte(nil), c.Payload...),
			TimeoutHeight: c.TimeoutHeight,
			Attempt:       c.ClaimAttempts + 1,
			Reason:        cand.reason,
		})
	}
	return plan
}

func eligible(c *entities.Commitment, height int32, policy Policy) (entities.IntentReason, bool) {
	if !c.IsConfirmed() || height >= c.TimeoutHeight {
		return 0, false
	}

	switch c.Status {
	case entities.StatusPending:
		start := c.TimeoutHeight - policy.ClaimMargin
		if height < start {
			return 0, false
		}
		if IsCoordinator(c.Outpoint, policy) {
			if c.ClaimAttempts > 0 {
				return entities.IntentFeeBump, true
			}
			return entities.IntentFirstClaim, true
		}
		if height >= start+policy.CoordinatorGrace {
			return entities.IntentTakeover, true
		}
		return 0, false

	case entities.StatusClaimInFlight:
		if c.Spend != nil {
			// Mined, waiting for depth.
			return 0, false
		}
		waited := height - c.ClaimHeight
		if IsCoordinator(c.Outpoint, policy) {
			if c.Rejection == entities.RejectFeeTooLow {
				return entities.IntentFeeBump, true
			}
			if waited > policy.StallBlocks {
				return entities.IntentStalled, true
			}
			return 0, false
		}
		if waited > policy.StallBlocks+policy.CoordinatorGrace {
			return entities.IntentTakeover, true
		}
		return 0, false

	default:
		return 0, false
	}
}

// feeRateFor returns the estimate for a first claim and a strictly higher
// rate than the last attempt otherwise.
func feeRateFor(c *entities.Commitment, estimate uint64, policy Policy) (uint64, error) {
	if estimate == 0 {
		estimate = policy.DefaultFeeRate
	}
	if c.ClaimFeeRate == 0 {
		if estimate > policy.MaxFeeRate {
			return policy.MaxFeeRate, nil
		}
		return estimate, nil
	}
	return utils.GetNewFeeRate(c.ClaimFeeRate, estimate, policy.MaxFeeRate)
}
