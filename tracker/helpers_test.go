package tracker

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/commitscript"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

type alertRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alertRecorder) alert(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

func (a *alertRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

func openTestDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestTracker(t *testing.T, db *leveldb.DB, cfg Config) (*Tracker, *alertRecorder) {
	t.Helper()
	alerts := &alertRecorder{}
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	tr, err := New(db, cfg, logrus.NewEntry(logger), alerts.alert)
	require.NoError(t, err)
	tr.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return tr, alerts
}

type fixture struct {
	commitment   *entities.Commitment
	script       []byte
	controlBlock []byte
}

func newFixture(t *testing.T, seed byte, timeout int32, confirmedAt int32) *fixture {
	t.Helper()
	userKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x11}, 32))
	pegKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x22}, 32))

	cs := &commitscript.CommitmentScript{
		TimeoutHeight: timeout,
		UserPubKey:    userKey.PubKey(),
		PegPubKey:     pegKey.PubKey(),
	}
	cs.Payload[0] = seed
	script, err := cs.Encode()
	require.NoError(t, err)
	taproot, err := commitscript.NewTaprootCommitment(script, nil)
	require.NoError(t, err)

	c := &entities.Commitment{
		Outpoint:      wire.OutPoint{Hash: chainhash.Hash{0xc0, seed}, Index: 0},
		Payload:       cs.Payload[:],
		TimeoutHeight: timeout,
		Status:        entities.StatusPending,
		Amount:        100000,
		PkScript:      taproot.PkScript,
		Script:        script,
		UserPubKey:    schnorr.SerializePubKey(cs.UserPubKey),
		PegPubKey:     schnorr.SerializePubKey(cs.PegPubKey),
	}
	if confirmedAt > 0 {
		height, hash := confirmedAt, blockHash(confirmedAt, 0)
		c.ConfirmedHeight = &height
		c.ConfirmedBlock = &hash
	}
	return &fixture{commitment: c, script: script, controlBlock: taproot.ControlBlock}
}

func (f *fixture) claimSpend(spender byte) entities.OutpointSpend {
	sig := make([]byte, schnorr.SignatureSize)
	return entities.OutpointSpend{
		Outpoint:    f.commitment.Outpoint,
		SpenderTxID: chainhash.Hash{0xa0, spender},
		Witness:     commitscript.ClaimWitness(sig, f.script, f.controlBlock),
	}
}

func (f *fixture) reclaimSpend(spender byte) entities.OutpointSpend {
	sig := make([]byte, schnorr.SignatureSize)
	return entities.OutpointSpend{
		Outpoint:    f.commitment.Outpoint,
		SpenderTxID: chainhash.Hash{0xb0, spender},
		Witness:     commitscript.ReclaimWitness(sig, f.script, f.controlBlock),
		LockTime:    uint32(f.commitment.TimeoutHeight),
	}
}

func (f *fixture) keyPathSpend(spender byte) entities.OutpointSpend {
	return entities.OutpointSpend{
		Outpoint:    f.commitment.Outpoint,
		SpenderTxID: chainhash.Hash{0xd0, spender},
		Witness:     wire.TxWitness{make([]byte, schnorr.SignatureSize)},
	}
}

// blockHash gives distinct hashes per height and fork.
func blockHash(height int32, fork byte) chainhash.Hash {
	return chainhash.Hash{byte(height), byte(height >> 8), byte(height >> 16), fork, 0xbb}
}

func connect(height int32, fork byte, spends ...entities.OutpointSpend) entities.ChainEvent {
	return entities.ChainEvent{
		Kind:      entities.EventBlockConnected,
		Height:    height,
		BlockHash: blockHash(height, fork),
		PrevHash:  blockHash(height-1, fork),
		Spends:    spends,
	}
}

func disconnect(height int32, fork byte) entities.ChainEvent {
	return entities.ChainEvent{
		Kind:      entities.EventBlockDisconnected,
		Height:    height,
		BlockHash: blockHash(height, fork),
		PrevHash:  blockHash(height-1, fork),
	}
}

// connectRange connects empty blocks from..to inclusive.
func connectRange(t *testing.T, tr *Tracker, from, to int32) {
	t.Helper()
	for h := from; h <= to; h++ {
		require.NoError(t, tr.ApplyEvent(connect(h, 0)))
	}
}

func status(t *testing.T, tr *Tracker, op wire.OutPoint) entities.CommitmentStatus {
	t.Helper()
	c, ok := tr.Get(op)
	require.True(t, ok, "%v not tracked", op)
	return c.Status
}
