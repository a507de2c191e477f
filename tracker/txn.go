package tracker

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/syndtr/goleveldb/leveldb"
)

// txn collects the changes of one mutation on copies. Nothing is visible to
// readers until commit has written the batch.
type txn struct {
	cause    string
	tip      int32
	order    []wire.OutPoint
	before   map[wire.OutPoint]*entities.Commitment
	after    map[wire.OutPoint]*entities.Commitment
	archived map[wire.OutPoint]bool
}

func (t *Tracker) begin(cause string) *txn {
	return &txn{
		cause:    cause,
		tip:      t.tip,
		before:   make(map[wire.OutPoint]*entities.Commitment),
		after:    make(map[wire.OutPoint]*entities.Commitment),
		archived: make(map[wire.OutPoint]bool),
	}
}

func (x *txn) touch(op wire.OutPoint, before *entities.Commitment) {
	if _, ok := x.after[op]; ok {
		return
	}
	x.order = append(x.order, op)
	x.before[op] = before
}

func (x *txn) create(c *entities.Commitment) {
	x.touch(c.Outpoint, nil)
	x.after[c.Outpoint] = c
}

// current returns the working copy of c if the txn already edited it.
func (x *txn) current(c *entities.Commitment) *entities.Commitment {
	if e, ok := x.after[c.Outpoint]; ok {
		return e
	}
	return c
}

// edit returns a mutable working copy of c.
func (x *txn) edit(c *entities.Commitment) *entities.Commitment {
	if e, ok := x.after[c.Outpoint]; ok {
		return e
	}
	x.touch(c.Outpoint, c)
	e := c.Copy()
	x.after[c.Outpoint] = e
	return e
}

func (x *txn) archive(c *entities.Commitment) {
	x.edit(c)
	x.archived[c.Outpoint] = true
}

// commit writes the log entries and derived records in one batch and then
// publishes the working copies.
func (t *Tracker) commit(x *txn) error {
	batch := new(leveldb.Batch)
	now := t.now()
	seq := t.seq

	for _, op := range x.order {
		after := x.after[op]
		after.UpdatedAt = now
		seq++
		entry := &LogEntry{
			Seq:      seq,
			Cause:    x.cause,
			Outpoint: op,
			Before:   x.before[op],
			After:    after,
			Archived: x.archived[op],
			Tip:      x.tip,
			Time:     now,
		}
		if err := putJSON(batch, logKey(seq), entry); err != nil {
			return err
		}
		if x.archived[op] {
			batch.Delete(commitmentKey(op))
			if err := putJSON(batch, archiveKey(op), after); err != nil {
				return err
			}
			continue
		}
		if err := putJSON(batch, commitmentKey(op), after); err != nil {
			return err
		}
	}
	batch.Put([]byte(MetaSeqKey), encodeUint64(seq))
	batch.Put([]byte(MetaTipKey), encodeInt32(x.tip))

	if err := t.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write %s batch: %w", x.cause, err)
	}

	for _, op := range x.order {
		if x.archived[op] {
			delete(t.commitments, op)
			t.archived[op] = struct{}{}
			continue
		}
		t.commitments[op] = x.after[op]
	}
	t.seq = seq
	t.tip = x.tip
	return nil
}
