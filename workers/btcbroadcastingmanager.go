package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/incognitochain/pegin-workers/tracker"
	"github.com/syndtr/goleveldb/leveldb"
)

const BroadcastStateKey = "BTCBroadcast-LastUpdate"

// TimeoutBTCFeeReplacement is how many blocks a claim may sit in the
// mempool before it is reported.
const TimeoutBTCFeeReplacement = 6

type BTCBroadcastingManager struct {
	WorkerAbs
	db *leveldb.DB
}

// BroadcastTx is what the manager remembers of a claim between runs.
type BroadcastTx struct {
	TxHash        string
	Outpoint      string
	BlkHeight     int32 // height the claim was built at
	FirstSeen     int32 // height it was first seen in the mempool
	IsBroadcasted bool
	Reported      bool
}

type BroadcastTxArrayObject struct {
	TxArray map[string]*BroadcastTx
}

func (b *BTCBroadcastingManager) Init(id int, name string, freq time.Duration, network string, services *Services) error {
	b.WorkerAbs.Init(id, name, freq, network, services)
	b.db = services.DB
	return nil
}

func (b *BTCBroadcastingManager) load() (*BroadcastTxArrayObject, error) {
	obj := &BroadcastTxArrayObject{TxArray: map[string]*BroadcastTx{}}
	raw, err := b.db.Get([]byte(BroadcastStateKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return obj, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, obj); err != nil {
		return nil, err
	}
	if obj.TxArray == nil {
		obj.TxArray = map[string]*BroadcastTx{}
	}
	return obj, nil
}

func (b *BTCBroadcastingManager) save(obj *BroadcastTxArrayObject) error {
	raw, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal broadcast state: %w", err)
	}
	return b.db.Put([]byte(BroadcastStateKey), raw, nil)
}

func (b *BTCBroadcastingManager) isTimeoutBTCTx(tx *BroadcastTx, curBlockHeight int32) bool {
	return tx.IsBroadcasted && curBlockHeight-tx.FirstSeen >= TimeoutBTCFeeReplacement
}

func (b *BTCBroadcastingManager) Execute(ctx context.Context) {
	b.Logger.Debug("BTCBroadcastingManager worker is executing...")

	t := b.Services.Tracker
	tip := t.Tip()
	if tip == 0 {
		return
	}

	obj, err := b.load()
	if err != nil {
		b.ExportErrorLog(fmt.Sprintf("Could not get broadcasted txs from db - with err: %v", err))
		return
	}

	live := make(map[string]*BroadcastTx)
	for _, c := range t.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		if c.Status != entities.StatusClaimInFlight || c.Spend != nil || c.ClaimTxID == nil {
			continue
		}
		txID := *c.ClaimTxID
		key := txID.String()
		tx, ok := obj.TxArray[key]
		if !ok {
			tx = &BroadcastTx{TxHash: key, Outpoint: c.Outpoint.String(), BlkHeight: c.ClaimHeight}
		}

		detail, err := b.Services.Broadcaster.Poll(ctx, txID)
		if err != nil {
			b.Logger.Warnf("Could not get status of claim %v - with err: %v", txID, err)
			live[key] = tx
			continue
		}

		switch detail.State {
		case entities.TxNotFound:
			if tip > c.ClaimHeight {
				b.release(c, txID)
				continue
			}
		case entities.TxInMempool:
			if !tx.IsBroadcasted {
				tx.IsBroadcasted = true
				tx.FirstSeen = tip
			}
			if b.isTimeoutBTCTx(tx, tip) && !tx.Reported {
				tx.Reported = true
				b.ExportInfoLog(fmt.Sprintf("Claim %v of %v unconfirmed for %d blocks at %d sat/vB",
					txID, c.Outpoint, tip-tx.FirstSeen, c.ClaimFeeRate))
			}
		case entities.TxConfirmed:
			b.Logger.Infof("Claim %v of %v mined at %d, waiting for the chain watcher",
				txID, c.Outpoint, detail.BlockHeight)
		}
		live[key] = tx
	}

	obj.TxArray = live
	if err := b.save(obj); err != nil {
		b.ExportErrorLog(fmt.Sprintf("Could not save object to db - with err: %v", err))
	}
}

func (b *BTCBroadcastingManager) release(c *entities.Commitment, txID chainhash.Hash) {
	err := b.Services.Tracker.ReleaseClaim(c.Outpoint, txID)
	switch {
	case err == nil:
		b.Logger.Infof("Claim %v of %v dropped out of the mempool", txID, c.Outpoint)
	case errors.Is(err, tracker.ErrStaleClaim), errors.Is(err, tracker.ErrInvalidTransition):
		b.Logger.Debugf("Claim %v of %v changed meanwhile: %v", txID, c.Outpoint, err)
	default:
		b.ExportErrorLog(fmt.Sprintf("Could not release claim %v of %v - with err: %v", txID, c.Outpoint, err))
	}
}
