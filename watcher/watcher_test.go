package watcher

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/btcnode"
	"github.com/incognitochain/pegin-workers/commitscript"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/incognitochain/pegin-workers/tracker"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

type recordingTracker struct {
	events  []entities.ChainEvent
	tracked map[wire.OutPoint]bool
	txs     map[chainhash.Hash]bool
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{tracked: map[wire.OutPoint]bool{}, txs: map[chainhash.Hash]bool{}}
}

func (r *recordingTracker) IsTracked(op wire.OutPoint) bool       { return r.tracked[op] }
func (r *recordingTracker) IsTrackedTx(txID chainhash.Hash) bool { return r.txs[txID] }
func (r *recordingTracker) ApplyEvent(ev entities.ChainEvent) error {
	r.events = append(r.events, ev)
	return nil
}

type step struct {
	kind   entities.ChainEventKind
	height int32
}

func (r *recordingTracker) steps() []step {
	var out []step
	for _, ev := range r.events {
		out = append(out, step{ev.Kind, ev.Height})
	}
	return out
}

func openTestDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(logger)
}

func TestPollConnectsFromTip(t *testing.T) {
	node := btcnode.NewSimNode(100)
	rec := newRecordingTracker()
	w, err := New(node, rec, openTestDB(t), Config{}, quietLogger())
	require.NoError(t, err)
	require.Nil(t, w.State())

	n, err := w.Poll(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.EqualValues(t, 100, w.State().Height)

	node.MineEmpty(3)
	n, err = w.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []step{
		{entities.EventBlockConnected, 101},
		{entities.EventBlockConnected, 102},
		{entities.EventBlockConnected, 103},
	}, rec.steps())

	for i, ev := range rec.events[1:] {
		require.Equal(t, rec.events[i].BlockHash, ev.PrevHash)
	}
}

func TestPollStartHeight(t *testing.T) {
	node := btcnode.NewSimNode(100)
	rec := newRecordingTracker()
	w, err := New(node, rec, openTestDB(t), Config{StartHeight: 97}, quietLogger())
	require.NoError(t, err)

	n, err := w.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.EqualValues(t, 97, rec.events[0].Height)
	require.EqualValues(t, 100, w.State().Height)
}

func TestPollCatchesUpInBatches(t *testing.T) {
	node := btcnode.NewSimNode(100)
	rec := newRecordingTracker()
	w, err := New(node, rec, openTestDB(t), Config{StartHeight: 81, MaxBlocksPerPoll: 10}, quietLogger())
	require.NoError(t, err)

	n, err := w.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.EqualValues(t, 90, w.State().Height)

	n, err = w.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.EqualValues(t, 100, w.State().Height)
}

func TestPollReorgDisconnectsBeforeConnects(t *testing.T) {
	node := btcnode.NewSimNode(100)
	rec := newRecordingTracker()
	db := openTestDB(t)
	w, err := New(node, rec, db, Config{}, quietLogger())
	require.NoError(t, err)
	_, err = w.Poll(context.Background())
	require.NoError(t, err)

	node.MineEmpty(3)
	_, err = w.Poll(context.Background())
	require.NoError(t, err)
	orphaned := w.State().Recent[103]
	rec.events = nil

	// Replace 102 and 103 with a longer branch.
	node.Disconnect(101)
	node.MineEmpty(3)
	_, err = w.Poll(context.Background())
	require.NoError(t, err)

	require.Equal(t, []step{
		{entities.EventBlockDisconnected, 103},
		{entities.EventBlockDisconnected, 102},
		{entities.EventBlockConnected, 102},
		{entities.EventBlockConnected, 103},
		{entities.EventBlockConnected, 104},
	}, rec.steps())
	require.Equal(t, orphaned, rec.events[0].BlockHash)

	best, height, err := node.GetBestBlock()
	require.NoError(t, err)
	require.EqualValues(t, 104, height)
	require.Equal(t, *best, w.State().Hash)

	// The chain state survives a restart.
	restored, err := New(node, rec, db, Config{}, quietLogger())
	require.NoError(t, err)
	require.Equal(t, w.State(), restored.State())
}

func TestPollShorterBranch(t *testing.T) {
	node := btcnode.NewSimNode(100)
	rec := newRecordingTracker()
	w, err := New(node, rec, openTestDB(t), Config{}, quietLogger())
	require.NoError(t, err)
	_, err = w.Poll(context.Background())
	require.NoError(t, err)
	node.MineEmpty(3)
	_, err = w.Poll(context.Background())
	require.NoError(t, err)
	rec.events = nil

	node.Disconnect(101)
	_, err = w.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []step{
		{entities.EventBlockDisconnected, 103},
		{entities.EventBlockDisconnected, 102},
	}, rec.steps())
	require.EqualValues(t, 101, w.State().Height)
}

func TestPollForkTooDeep(t *testing.T) {
	node := btcnode.NewSimNode(100)
	w, err := New(node, newRecordingTracker(), openTestDB(t), Config{RecentWindow: 2}, quietLogger())
	require.NoError(t, err)
	_, err = w.Poll(context.Background())
	require.NoError(t, err)
	node.MineEmpty(5)
	_, err = w.Poll(context.Background())
	require.NoError(t, err)

	node.Disconnect(100)
	node.MineEmpty(6)
	_, err = w.Poll(context.Background())
	require.ErrorIs(t, err, ErrForkTooDeep)
}

type commitmentFixture struct {
	commitment *entities.Commitment
	funding    *wire.MsgTx
	claim      *wire.MsgTx
}

func newCommitmentFixture(t *testing.T) *commitmentFixture {
	t.Helper()
	userKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x11}, 32))
	pegKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x22}, 32))
	cs := &commitscript.CommitmentScript{
		TimeoutHeight: 1000,
		UserPubKey:    userKey.PubKey(),
		PegPubKey:     pegKey.PubKey(),
	}
	script, err := cs.Encode()
	require.NoError(t, err)
	taproot, err := commitscript.NewTaprootCommitment(script, nil)
	require.NoError(t, err)

	funding := wire.NewMsgTx(2)
	funding.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0x01}}, nil, nil))
	funding.AddTxOut(wire.NewTxOut(100000, taproot.PkScript))
	op := wire.OutPoint{Hash: funding.TxHash(), Index: 0}

	claim := wire.NewMsgTx(2)
	in := wire.NewTxIn(&op, nil, nil)
	in.Witness = commitscript.ClaimWitness(make([]byte, schnorr.SignatureSize), script, taproot.ControlBlock)
	claim.AddTxIn(in)
	claim.AddTxOut(wire.NewTxOut(99000, []byte{0x51}))

	return &commitmentFixture{
		commitment: &entities.Commitment{
			Outpoint:      op,
			Payload:       cs.Payload[:],
			TimeoutHeight: 1000,
			Status:        entities.StatusPending,
			Amount:        100000,
			PkScript:      taproot.PkScript,
			Script:        script,
		},
		funding: funding,
		claim:   claim,
	}
}

func TestWatcherDrivesTracker(t *testing.T) {
	node := btcnode.NewSimNode(100)
	db := openTestDB(t)
	tr, err := tracker.New(db, tracker.Config{}, quietLogger(), nil)
	require.NoError(t, err)
	w, err := New(node, tr, db, Config{WatchMempool: true}, quietLogger())
	require.NoError(t, err)
	_, err = w.Poll(context.Background())
	require.NoError(t, err)

	f := newCommitmentFixture(t)
	op := f.commitment.Outpoint
	_, err = tr.Insert(f.commitment)
	require.NoError(t, err)

	node.MineBlock(f.funding)
	_, err = w.Poll(context.Background())
	require.NoError(t, err)
	c, _ := tr.Get(op)
	require.NotNil(t, c.ConfirmedHeight)
	require.EqualValues(t, 101, *c.ConfirmedHeight)

	// A claim by another signer shows up in the mempool first.
	node.AddToMempool(f.claim)
	n, err := w.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	c, _ = tr.Get(op)
	require.Equal(t, entities.StatusClaimInFlight, c.Status)
	require.Equal(t, f.claim.TxHash(), *c.ClaimTxID)

	// Seen transactions are not replayed.
	n, err = w.Poll(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	node.MineMempool()
	_, err = w.Poll(context.Background())
	require.NoError(t, err)
	c, _ = tr.Get(op)
	require.Equal(t, entities.StatusClaimed, c.Status)
	require.EqualValues(t, 102, c.Spend.Height)

	// The claim block is orphaned; the claim returns to the mempool.
	node.Disconnect(101)
	node.MineEmpty(2)
	_, err = w.Poll(context.Background())
	require.NoError(t, err)
	c, _ = tr.Get(op)
	require.Equal(t, entities.StatusClaimInFlight, c.Status)
	require.Nil(t, c.Spend)
	require.NotNil(t, c.ConfirmedHeight)
	require.EqualValues(t, 103, tr.Tip())
}
