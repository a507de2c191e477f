package tracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	CommitmentPrefix = "commitment-"
	LogPrefix        = "log-"
	ArchivePrefix    = "archive-"
	MetaSeqKey       = "meta-seq"
	MetaTipKey       = "meta-tip"
)

// LogEntry is one mutation of one commitment. Entries written by the same
// event share a cause and are committed in the same batch.
type LogEntry struct {
	Seq      uint64
	Cause    string
	Outpoint wire.OutPoint
	Before   *entities.Commitment `json:",omitempty"`
	After    *entities.Commitment
	Archived bool `json:",omitempty"`
	Tip      int32
	Time     time.Time
}

func commitmentKey(op wire.OutPoint) []byte {
	return []byte(CommitmentPrefix + op.String())
}

func archiveKey(op wire.OutPoint) []byte {
	return []byte(ArchivePrefix + op.String())
}

// logKey orders entries by sequence under leveldb's byte-wise comparator.
func logKey(seq uint64) []byte {
	key := make([]byte, len(LogPrefix)+8)
	copy(key, LogPrefix)
	binary.BigEndian.PutUint64(key[len(LogPrefix):], seq)
	return key
}

func putJSON(batch *leveldb.Batch, key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	batch.Put(key, raw)
	return nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func encodeInt32(v int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v))
	return buf
}

// loadState reads the derived commitment set, the archived outpoints and
// the counters.
func loadState(db *leveldb.DB) (map[wire.OutPoint]*entities.Commitment, map[wire.OutPoint]struct{}, uint64, int32, error) {
	active := make(map[wire.OutPoint]*entities.Commitment)
	archived := make(map[wire.OutPoint]struct{})

	iter := db.NewIterator(util.BytesPrefix([]byte(CommitmentPrefix)), nil)
	for iter.Next() {
		var c entities.Commitment
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			iter.Release()
			return nil, nil, 0, 0, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		active[c.Outpoint] = &c
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, nil, 0, 0, err
	}

	iter = db.NewIterator(util.BytesPrefix([]byte(ArchivePrefix)), nil)
	for iter.Next() {
		var c entities.Commitment
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			iter.Release()
			return nil, nil, 0, 0, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		archived[c.Outpoint] = struct{}{}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, nil, 0, 0, err
	}

	var (
		seq uint64
		tip int32
	)
	raw, err := db.Get([]byte(MetaSeqKey), nil)
	switch {
	case err == nil && len(raw) == 8:
		seq = binary.BigEndian.Uint64(raw)
	case err != nil && err != leveldb.ErrNotFound:
		return nil, nil, 0, 0, err
	}
	raw, err = db.Get([]byte(MetaTipKey), nil)
	switch {
	case err == nil && len(raw) == 4:
		tip = int32(binary.BigEndian.Uint32(raw))
	case err != nil && err != leveldb.ErrNotFound:
		return nil, nil, 0, 0, err
	}

	return active, archived, seq, tip, nil
}

// readLog calls fn for every log entry in sequence order.
func readLog(db *leveldb.DB, fn func(*LogEntry) error) error {
	iter := db.NewIterator(util.BytesPrefix([]byte(LogPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var entry LogEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return fmt.Errorf("decode log entry: %w", err)
		}
		if err := fn(&entry); err != nil {
			return err
		}
	}
	return iter.Error()
}

func deletePrefix(db *leveldb.DB, batch *leveldb.Batch, prefix string) {
	iter := db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
}
