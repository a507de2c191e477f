package tracker

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/commitscript"
	"github.com/incognitochain/pegin-workers/entities"
)

// ApplyEvent feeds one chain event into the state machine. Events must
// arrive in chain order: disconnects from the old tip down to the fork
// point, then connects upwards.
func (t *Tracker) ApplyEvent(ev entities.ChainEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case entities.EventBlockConnected:
		return t.connectLocked(ev)
	case entities.EventBlockDisconnected:
		return t.disconnectLocked(ev)
	case entities.EventMempoolTx:
		return t.mempoolLocked(ev)
	default:
		return fmt.Errorf("unknown chain event kind %v", ev.Kind)
	}
}

func (t *Tracker) connectLocked(ev entities.ChainEvent) error {
	if t.tip != 0 && ev.Height != t.tip+1 {
		t.logger.Warnf("%v: connect at height %d on tip %d", ErrReorgInconsistency, ev.Height, t.tip)
	}

	x := t.begin(fmt.Sprintf("connect-%d", ev.Height))
	x.tip = ev.Height

	confirmed := make(map[string]bool, len(ev.Confirmed))
	for _, txID := range ev.Confirmed {
		confirmed[txID.String()] = true
	}
	for _, c := range t.sortedLocked() {
		if c.IsConfirmed() || !confirmed[c.Outpoint.Hash.String()] {
			continue
		}
		e := x.edit(c)
		height, hash := ev.Height, ev.BlockHash
		e.ConfirmedHeight = &height
		e.ConfirmedBlock = &hash
		t.logger.Infof("%v confirmed at height %d", c.Outpoint, ev.Height)
	}

	// Expiry runs before spends so a reclaim mined above the timeout sees
	// EXPIRED. A claim confirmed in this very block keeps the commitment
	// out of expiry.
	claimedHere := make(map[wire.OutPoint]bool)
	for _, spend := range ev.Spends {
		c, ok := t.commitments[spend.Outpoint]
		if !ok {
			continue
		}
		if commitscript.ClassifySpend(spend.Witness, spend.LockTime, c.Script, c.TimeoutHeight) == entities.SpendPathClaim {
			claimedHere[spend.Outpoint] = true
		}
	}
	t.expireLocked(x, ev.Height, claimedHere)

	for _, spend := range ev.Spends {
		c, ok := t.commitments[spend.Outpoint]
		if !ok {
			continue
		}
		c = x.current(c)

		if c.Spend != nil {
			if c.Spend.TxID == spend.SpenderTxID {
				continue
			}
			t.logger.Warnf("%v: %v spent by %v in block %d, recorded spend %v",
				ErrReorgInconsistency, c.Outpoint, spend.SpenderTxID, ev.Height, c.Spend.TxID)
		}

		path := commitscript.ClassifySpend(spend.Witness, spend.LockTime, c.Script, c.TimeoutHeight)
		e := x.edit(c)
		e.PrevStatus = c.Status
		e.Spend = &entities.SpendRecord{
			TxID:      spend.SpenderTxID,
			Height:    ev.Height,
			BlockHash: ev.BlockHash,
			Path:      path,
		}

		switch {
		case path == entities.SpendPathClaim:
			txID := spend.SpenderTxID
			e.ClaimTxID = &txID
			e.Rejection = entities.RejectNone
			if c.Status != entities.StatusExpired {
				e.Status = entities.StatusClaimInFlight
			}
		case path == entities.SpendPathReclaim && c.Status == entities.StatusExpired:
			e.Status = entities.StatusReclaimed
			t.logger.Infof("%v reclaimed by user in %v", c.Outpoint, spend.SpenderTxID)
		default:
			e.Status = entities.StatusInvalid
			msg := fmt.Sprintf("Commitment %v (was %v) spent by %v at height %d through an unrecognised path (%v)",
				c.Outpoint, c.Status, spend.SpenderTxID, ev.Height, path)
			t.logger.Error(msg)
			t.alert(msg)
		}
	}

	// Claim-path spends become CLAIMED at the configured depth.
	for _, c := range t.sortedLocked() {
		c = x.current(c)
		if c.Spend == nil || c.Spend.Path != entities.SpendPathClaim || c.Status == entities.StatusClaimed {
			continue
		}
		if ev.Height-c.Spend.Height+1 >= t.cfg.ClaimConfirmations {
			x.edit(c).Status = entities.StatusClaimed
			t.logger.Infof("%v claimed by %v at height %d", c.Outpoint, c.Spend.TxID, c.Spend.Height)
		}
	}

	t.pruneLocked(x, ev.Height)
	return t.commit(x)
}

func (t *Tracker) disconnectLocked(ev entities.ChainEvent) error {
	if ev.Height != t.tip {
		t.logger.Warnf("%v: disconnect of height %d on tip %d", ErrReorgInconsistency, ev.Height, t.tip)
	}

	x := t.begin(fmt.Sprintf("disconnect-%d", ev.Height))
	x.tip = ev.Height - 1

	for _, c := range t.sortedLocked() {
		if c.ConfirmedBlock != nil && *c.ConfirmedBlock == ev.BlockHash {
			e := x.edit(c)
			e.ConfirmedHeight = nil
			e.ConfirmedBlock = nil
			t.logger.Infof("%v unconfirmed by disconnect of block %d", c.Outpoint, ev.Height)
		}

		c = x.current(c)
		if c.Spend == nil {
			continue
		}

		if c.Spend.BlockHash == ev.BlockHash {
			e := x.edit(c)
			prev := e.Status
			switch c.Spend.Path {
			case entities.SpendPathClaim:
				if c.PrevStatus == entities.StatusExpired {
					e.Status = entities.StatusExpired
				} else {
					e.Status = entities.StatusClaimInFlight
					e.ClaimHeight = x.tip
				}
			case entities.SpendPathReclaim:
				e.Status = entities.StatusExpired
			default:
				e.Status = c.PrevStatus
			}
			e.Spend = nil
			t.logger.Warnf("Rolled back %v from %v to %v after disconnect of block %d",
				c.Outpoint, prev, e.Status, ev.Height)
			continue
		}

		// The spend survives but may no longer be deep enough.
		if c.Status == entities.StatusClaimed && c.Spend.Path == entities.SpendPathClaim &&
			x.tip-c.Spend.Height+1 < t.cfg.ClaimConfirmations {
			x.edit(c).Status = entities.StatusClaimInFlight
		}
	}

	return t.commit(x)
}

func (t *Tracker) mempoolLocked(ev entities.ChainEvent) error {
	x := t.begin("mempool")

	for _, spend := range ev.Spends {
		c, ok := t.commitments[spend.Outpoint]
		if !ok {
			continue
		}
		c = x.current(c)

		path := commitscript.ClassifySpend(spend.Witness, spend.LockTime, c.Script, c.TimeoutHeight)
		switch path {
		case entities.SpendPathClaim:
			if !c.Status.Claimable() || c.Spend != nil {
				continue
			}
			if c.ClaimTxID != nil && *c.ClaimTxID == spend.SpenderTxID {
				continue
			}
			e := x.edit(c)
			e.Status = entities.StatusClaimInFlight
			txID := spend.SpenderTxID
			e.ClaimTxID = &txID
			e.ClaimHeight = t.tip
			e.Rejection = entities.RejectNone
			t.logger.Infof("Claim %v of %v seen in mempool", spend.SpenderTxID, c.Outpoint)
		case entities.SpendPathReclaim:
			t.logger.Infof("Reclaim %v of %v seen in mempool", spend.SpenderTxID, c.Outpoint)
		default:
			t.logger.Warnf("Unrecognised spend %v of %v seen in mempool", spend.SpenderTxID, c.Outpoint)
		}
	}

	if len(x.order) == 0 {
		return nil
	}
	return t.commit(x)
}

// pruneLocked archives terminal commitments whose spend is buried under the
// reorg safety depth.
func (t *Tracker) pruneLocked(x *txn, height int32) {
	for _, c := range t.sortedLocked() {
		c = x.current(c)
		if !c.Status.IsTerminal() || c.Spend == nil {
			continue
		}
		if height-c.Spend.Height+1 < t.cfg.ReorgSafetyDepth {
			continue
		}
		x.archive(c)
		t.logger.Infof("Archived %v (%v)", c.Outpoint, c.Status)
	}
}
