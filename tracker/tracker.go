// Package tracker owns the set of known commitments and drives their state
// machine. Every mutation is serialised, recorded in an append-only log and
// written together with the derived state in one leveldb batch.
package tracker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
)

var (
	ErrNotTracked         = errors.New("outpoint is not tracked")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrClaimWindowClosed  = errors.New("claim window closed")
	ErrStaleClaim         = errors.New("claim transaction is not the current one")
	ErrInvalidCommitment  = errors.New("invalid commitment")
	ErrReorgInconsistency = errors.New("reorg inconsistency")
)

const (
	DefaultClaimConfirmations = 1
	DefaultReorgSafetyDepth   = 6
)

// AlertFunc forwards a message to operators.
type AlertFunc func(msg string)

type Config struct {
	// ClaimConfirmations is the depth at which a claim-path spend makes the
	// commitment CLAIMED.
	ClaimConfirmations int32
	// ReorgSafetyDepth is the depth at which terminal commitments are archived.
	ReorgSafetyDepth int32
}

func (c Config) withDefaults() Config {
	if c.ClaimConfirmations <= 0 {
		c.ClaimConfirmations = DefaultClaimConfirmations
	}
	if c.ReorgSafetyDepth <= 0 {
		c.ReorgSafetyDepth = DefaultReorgSafetyDepth
	}
	return c
}

type Tracker struct {
	mu  sync.RWMutex
	db  *leveldb.DB
	cfg Config

	commitments map[wire.OutPoint]*entities.Commitment
	archived    map[wire.OutPoint]struct{}
	seq         uint64
	tip         int32

	logger *logrus.Entry
	alert  AlertFunc
	now    func() time.Time
}

// New loads the persisted commitment set from db.
func New(db *leveldb.DB, cfg Config, logger *logrus.Entry, alert AlertFunc) (*Tracker, error) {
	active, archived, seq, tip, err := loadState(db)
	if err != nil {
		return nil, fmt.Errorf("load tracker state: %w", err)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if alert == nil {
		alert = func(string) {}
	}
	t := &Tracker{
		db:          db,
		cfg:         cfg.withDefaults(),
		commitments: active,
		archived:    archived,
		seq:         seq,
		tip:         tip,
		logger:      logger.WithField("component", "tracker"),
		alert:       alert,
		now:         time.Now,
	}
	t.logger.Infof("Loaded %d tracked and %d archived commitments, tip %d, log seq %d",
		len(active), len(archived), tip, seq)
	return t, nil
}

func (t *Tracker) Config() Config {
	return t.cfg
}

// Insert adds a PENDING commitment. Inserting a known outpoint, tracked or
// archived, is a no-op and reports false.
func (t *Tracker) Insert(c *entities.Commitment) (bool, error) {
	if c == nil || len(c.Payload) != entities.PayloadSize || c.TimeoutHeight <= 0 {
		return false, ErrInvalidCommitment
	}
	if c.Status != entities.StatusPending {
		return false, fmt.Errorf("%w: new commitment in status %v", ErrInvalidCommitment, c.Status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.commitments[c.Outpoint]; ok {
		return false, nil
	}
	if _, ok := t.archived[c.Outpoint]; ok {
		return false, nil
	}

	x := t.begin("insert")
	created := c.Copy()
	created.CreatedAt = t.now()
	created.UpdatedAt = created.CreatedAt
	x.create(created)
	if err := t.commit(x); err != nil {
		return false, err
	}
	t.logger.Infof("Tracking %v", created)
	return true, nil
}

// Get returns a copy of the commitment at op.
func (t *Tracker) Get(op wire.OutPoint) (*entities.Commitment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.commitments[op]
	if !ok {
		return nil, false
	}
	return c.Copy(), true
}

// Snapshot returns copies of all tracked commitments ordered by timeout
// height, then outpoint.
func (t *Tracker) Snapshot() []*entities.Commitment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snapshot := make([]*entities.Commitment, 0, len(t.commitments))
	for _, c := range t.commitments {
		snapshot = append(snapshot, c.Copy())
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return Less(snapshot[i], snapshot[j])
	})
	return snapshot
}

// Less orders commitments by timeout height, then outpoint.
func Less(a, b *entities.Commitment) bool {
	if a.TimeoutHeight != b.TimeoutHeight {
		return a.TimeoutHeight < b.TimeoutHeight
	}
	return OutpointLess(a.Outpoint, b.Outpoint)
}

func OutpointLess(a, b wire.OutPoint) bool {
	if a.Hash != b.Hash {
		return a.Hash.String() < b.Hash.String()
	}
	return a.Index < b.Index
}

// Len returns the number of tracked (not archived) commitments.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.commitments)
}

func (t *Tracker) IsTracked(op wire.OutPoint) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.commitments[op]
	return ok
}

func (t *Tracker) IsArchived(op wire.OutPoint) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.archived[op]
	return ok
}

// IsTrackedTx reports whether txid created a tracked commitment.
func (t *Tracker) IsTrackedTx(txID chainhash.Hash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for op := range t.commitments {
		if op.Hash == txID {
			return true
		}
	}
	return false
}

// Tip returns the height of the last connected block.
func (t *Tracker) Tip() int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tip
}

// BeginClaim records that a signed claim paying feeRate was produced at
// height and is about to be broadcast. It moves PENDING to CLAIM_IN_FLIGHT
// and replaces the claim of a commitment already in flight.
func (t *Tracker) BeginClaim(op wire.OutPoint, claimTxID chainhash.Hash, feeRate uint64, height int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.commitments[op]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotTracked, op)
	}
	if !c.Status.Claimable() {
		return fmt.Errorf("%w: begin claim of %v", ErrInvalidTransition, c)
	}
	if c.Spend != nil {
		return fmt.Errorf("%w: %v already spent by %v", ErrInvalidTransition, op, c.Spend.TxID)
	}
	if height < t.tip {
		height = t.tip
	}
	if height >= c.TimeoutHeight {
		return fmt.Errorf("%w: height %d, timeout %d", ErrClaimWindowClosed, height, c.TimeoutHeight)
	}

	x := t.begin("begin-claim")
	e := x.edit(c)
	e.Status = entities.StatusClaimInFlight
	id := claimTxID
	e.ClaimTxID = &id
	e.ClaimFeeRate = feeRate
	e.ClaimHeight = height
	e.ClaimAttempts++
	e.Rejection = entities.RejectNone
	return t.commit(x)
}

// RecordRejection stores why the broadcast of claimTxID was refused so the
// scheduler can react on its next tick.
func (t *Tracker) RecordRejection(op wire.OutPoint, claimTxID chainhash.Hash, reason entities.RejectReason) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.commitments[op]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotTracked, op)
	}
	if c.Status != entities.StatusClaimInFlight {
		return fmt.Errorf("%w: reject claim of %v", ErrInvalidTransition, c)
	}
	if c.ClaimTxID == nil || *c.ClaimTxID != claimTxID {
		return fmt.Errorf("%w: %v", ErrStaleClaim, claimTxID)
	}
	if c.Rejection == reason {
		return nil
	}

	x := t.begin("claim-rejected")
	x.edit(c).Rejection = reason
	return t.commit(x)
}

// ReleaseClaim handles a claim that left the mempool without confirming.
// Before the timeout the commitment returns to PENDING, after it the
// commitment expires.
func (t *Tracker) ReleaseClaim(op wire.OutPoint, claimTxID chainhash.Hash) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.commitments[op]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotTracked, op)
	}
	if c.Status != entities.StatusClaimInFlight || c.Spend != nil {
		return fmt.Errorf("%w: release claim of %v", ErrInvalidTransition, c)
	}
	if c.ClaimTxID == nil || *c.ClaimTxID != claimTxID {
		return fmt.Errorf("%w: %v", ErrStaleClaim, claimTxID)
	}

	x := t.begin("claim-evicted")
	e := x.edit(c)
	if t.tip >= c.TimeoutHeight {
		e.Status = entities.StatusExpired
	} else {
		e.Status = entities.StatusPending
	}
	e.ClaimTxID = nil
	e.Rejection = entities.RejectNone
	if err := t.commit(x); err != nil {
		return err
	}
	t.logger.Infof("Claim %v of %v left the mempool, now %v", claimTxID, op, e.Status)
	return nil
}

// ExpireAt moves every claimable commitment without a recorded claim spend
// to EXPIRED once height reaches its timeout.
func (t *Tracker) ExpireAt(height int32) ([]wire.OutPoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	x := t.begin("expire")
	if height > t.tip {
		x.tip = height
	}
	expired := t.expireLocked(x, height, nil)
	if len(expired) == 0 && x.tip == t.tip {
		return nil, nil
	}
	if err := t.commit(x); err != nil {
		return nil, err
	}
	return expired, nil
}

func (t *Tracker) expireLocked(x *txn, height int32, skip map[wire.OutPoint]bool) []wire.OutPoint {
	var expired []wire.OutPoint
	for _, c := range t.sortedLocked() {
		c = x.current(c)
		if !c.Status.Claimable() || height < c.TimeoutHeight || skip[c.Outpoint] {
			continue
		}
		if c.Spend != nil && c.Spend.Path == entities.SpendPathClaim {
			continue
		}
		x.edit(c).Status = entities.StatusExpired
		expired = append(expired, c.Outpoint)
		t.logger.Infof("%v expired at height %d", c.Outpoint, height)
	}
	return expired
}

func (t *Tracker) sortedLocked() []*entities.Commitment {
	list := make([]*entities.Commitment, 0, len(t.commitments))
	for _, c := range t.commitments {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return Less(list[i], list[j]) })
	return list
}

// Replay rebuilds the derived commitment set from the log and rewrites it.
func (t *Tracker) Replay() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := make(map[wire.OutPoint]*entities.Commitment)
	archived := make(map[wire.OutPoint]*entities.Commitment)
	var (
		seq uint64
		tip int32
	)
	err := readLog(t.db, func(entry *LogEntry) error {
		if entry.Seq <= seq && seq != 0 {
			return fmt.Errorf("%w: log sequence %d after %d", ErrReorgInconsistency, entry.Seq, seq)
		}
		seq = entry.Seq
		tip = entry.Tip
		if entry.Archived {
			delete(active, entry.Outpoint)
			archived[entry.Outpoint] = entry.After
			return nil
		}
		active[entry.Outpoint] = entry.After
		return nil
	})
	if err != nil {
		return err
	}

	if tip < t.tip {
		tip = t.tip
	}

	batch := new(leveldb.Batch)
	deletePrefix(t.db, batch, CommitmentPrefix)
	deletePrefix(t.db, batch, ArchivePrefix)
	for op, c := range active {
		if err := putJSON(batch, commitmentKey(op), c); err != nil {
			return err
		}
	}
	for op, c := range archived {
		if err := putJSON(batch, archiveKey(op), c); err != nil {
			return err
		}
	}
	batch.Put([]byte(MetaSeqKey), encodeUint64(seq))
	batch.Put([]byte(MetaTipKey), encodeInt32(tip))
	if err := t.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write replayed state: %w", err)
	}

	t.commitments = active
	t.archived = make(map[wire.OutPoint]struct{}, len(archived))
	for op := range archived {
		t.archived[op] = struct{}{}
	}
	t.seq = seq
	t.tip = tip
	t.logger.Infof("Replayed %d log entries: %d tracked, %d archived", seq, len(active), len(archived))
	return nil
}
