package intake

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
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

func testKey(seed byte) *btcec.PrivateKey {
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return key
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(logger)
}

type env struct {
	node    *btcnode.SimNode
	db      *leveldb.DB
	tracker *tracker.Tracker
	intake  *Intake
	nonce   byte
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	tr, err := tracker.New(db, tracker.Config{}, quietLogger(), nil)
	require.NoError(t, err)
	if cfg.PegPubKey == nil {
		cfg.PegPubKey = testKey(0x22).PubKey()
	}
	node := btcnode.NewSimNode(100)
	return &env{node: node, db: db, tracker: tr, intake: New(node, tr, cfg, quietLogger())}
}

func commitmentScript(t *testing.T, pegKey *btcec.PrivateKey, payload byte) []byte {
	t.Helper()
	cs := &commitscript.CommitmentScript{
		TimeoutHeight: 1000,
		UserPubKey:    testKey(0x11).PubKey(),
		PegPubKey:     pegKey.PubKey(),
	}
	cs.Payload[0] = payload
	script, err := cs.Encode()
	require.NoError(t, err)
	return script
}

// fund returns a transaction paying to the taproot output of script behind
// a change output.
func (e *env) fund(t *testing.T, script []byte) *wire.MsgTx {
	t.Helper()
	taproot, err := commitscript.NewTaprootCommitment(script, nil)
	require.NoError(t, err)
	e.nonce++
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0xf0, e.nonce}}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(5000, []byte{0x51}))
	tx.AddTxOut(wire.NewTxOut(100000, taproot.PkScript))
	return tx
}

func TestSubmitAccepts(t *testing.T) {
	e := newEnv(t, Config{})
	script := commitmentScript(t, testKey(0x22), 0x42)
	tx := e.fund(t, script)
	e.node.MineBlock(tx)

	require.NoError(t, e.intake.Submit(context.Background(), tx.TxHash(), script))

	op := wire.OutPoint{Hash: tx.TxHash(), Index: 1}
	c, ok := e.tracker.Get(op)
	require.True(t, ok)
	require.Equal(t, entities.StatusPending, c.Status)
	require.EqualValues(t, 1000, c.TimeoutHeight)
	require.EqualValues(t, 101, *c.ConfirmedHeight)
	require.EqualValues(t, 100000, c.Amount)
	require.EqualValues(t, 0x42, c.Payload[0])
	require.Equal(t, script, c.Script)

	// Duplicate announcements are no-ops.
	require.NoError(t, e.intake.Submit(context.Background(), tx.TxHash(), script))
	require.Equal(t, 1, e.tracker.Len())
}

func TestSubmitErrors(t *testing.T) {
	e := newEnv(t, Config{})
	ours := commitmentScript(t, testKey(0x22), 0x01)

	// Unknown transaction.
	unknown := e.fund(t, ours)
	err := e.intake.Submit(context.Background(), unknown.TxHash(), ours)
	require.ErrorIs(t, err, ErrNotFound)
	require.True(t, IsTransient(err))

	// Mempool only.
	e.node.AddToMempool(unknown)
	err = e.intake.Submit(context.Background(), unknown.TxHash(), ours)
	require.ErrorIs(t, err, ErrUnconfirmed)
	require.True(t, IsTransient(err))

	// The transaction pays to a different script.
	e.node.MineMempool()
	other := commitmentScript(t, testKey(0x22), 0x02)
	err = e.intake.Submit(context.Background(), unknown.TxHash(), other)
	require.ErrorIs(t, err, ErrScriptMismatch)
	require.False(t, IsTransient(err))

	// The committed leaf is not a commitment script.
	garbage := []byte{0x51, 0x52, 0x93}
	bad := e.fund(t, garbage)
	e.node.MineBlock(bad)
	err = e.intake.Submit(context.Background(), bad.TxHash(), garbage)
	require.ErrorIs(t, err, ErrInvalidScript)
	require.ErrorIs(t, err, commitscript.ErrMalformedScript)

	// Valid script for a different signer set.
	foreign := commitmentScript(t, testKey(0x33), 0x03)
	foreignTx := e.fund(t, foreign)
	e.node.MineBlock(foreignTx)
	err = e.intake.Submit(context.Background(), foreignTx.TxHash(), foreign)
	require.ErrorIs(t, err, ErrInvalidScript)

	// Spent before it was announced.
	spentTx := e.fund(t, ours)
	e.node.MineBlock(spentTx)
	spender := wire.NewMsgTx(2)
	spender.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: spentTx.TxHash(), Index: 1}, nil, nil))
	spender.AddTxOut(wire.NewTxOut(90000, []byte{0x51}))
	e.node.MineBlock(spender)
	err = e.intake.Submit(context.Background(), spentTx.TxHash(), ours)
	require.ErrorIs(t, err, ErrAlreadySpent)
	require.False(t, IsTransient(err))

	require.Zero(t, e.tracker.Len())
}

func TestSubmitKnownAfterSpend(t *testing.T) {
	e := newEnv(t, Config{})
	script := commitmentScript(t, testKey(0x22), 0x42)
	tx := e.fund(t, script)
	e.node.MineBlock(tx)
	require.NoError(t, e.intake.Submit(context.Background(), tx.TxHash(), script))

	spender := wire.NewMsgTx(2)
	spender.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: tx.TxHash(), Index: 1}, nil, nil))
	spender.AddTxOut(wire.NewTxOut(90000, []byte{0x51}))
	e.node.MineBlock(spender)

	// The relay repeats the announcement after the claim was mined.
	require.NoError(t, e.intake.Submit(context.Background(), tx.TxHash(), script))
	require.Equal(t, 1, e.tracker.Len())
}

type archivedTracker struct {
	archived map[wire.OutPoint]bool
	inserts  int
}

func (a *archivedTracker) Insert(c *entities.Commitment) (bool, error) {
	a.inserts++
	return true, nil
}

func (a *archivedTracker) IsTracked(op wire.OutPoint) bool { return false }

func (a *archivedTracker) IsArchived(op wire.OutPoint) bool { return a.archived[op] }

func TestSubmitArchivedAfterSpend(t *testing.T) {
	node := btcnode.NewSimNode(100)
	script := commitmentScript(t, testKey(0x22), 0x42)
	e := &env{node: node}
	tx := e.fund(t, script)
	node.MineBlock(tx)
	spender := wire.NewMsgTx(2)
	spender.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: tx.TxHash(), Index: 1}, nil, nil))
	spender.AddTxOut(wire.NewTxOut(90000, []byte{0x51}))
	node.MineBlock(spender)

	tr := &archivedTracker{archived: map[wire.OutPoint]bool{{Hash: tx.TxHash(), Index: 1}: true}}
	in := New(node, tr, Config{PegPubKey: testKey(0x22).PubKey()}, quietLogger())
	require.NoError(t, in.Submit(context.Background(), tx.TxHash(), script))
	require.Zero(t, tr.inserts)

	// Unknown to the tracker, the spent output is still refused.
	tr.archived = nil
	require.ErrorIs(t, in.Submit(context.Background(), tx.TxHash(), script), ErrAlreadySpent)
	require.Zero(t, tr.inserts)
}

func TestSubmitMinConfirmations(t *testing.T) {
	e := newEnv(t, Config{MinConfirmations: 3})
	script := commitmentScript(t, testKey(0x22), 0x42)
	tx := e.fund(t, script)
	e.node.MineBlock(tx)

	require.ErrorIs(t, e.intake.Submit(context.Background(), tx.TxHash(), script), ErrUnconfirmed)
	e.node.MineEmpty(2)
	require.NoError(t, e.intake.Submit(context.Background(), tx.TxHash(), script))
}

type fakeRelay struct {
	mu            sync.Mutex
	announcements []*entities.Announcement
	acks          []entities.AnnouncementStatus
}

func (f *fakeRelay) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/announcements":
			after, err := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
			require.NoError(t, err)
			res := entities.AnnouncementsRes{}
			for _, ann := range f.announcements {
				if ann.ID > after {
					res.Result = append(res.Result, ann)
				}
			}
			json.NewEncoder(w).Encode(res)
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/announcements/"):
			var status entities.AnnouncementStatus
			require.NoError(t, json.NewDecoder(r.Body).Decode(&status))
			require.Equal(t, r.URL.Path, "/announcements/"+strconv.FormatUint(status.ID, 10)+"/result")
			f.acks = append(f.acks, status)
			json.NewEncoder(w).Encode(entities.AnnouncementStatusRes{Result: true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (f *fakeRelay) takeAcks() []entities.AnnouncementStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	acks := f.acks
	f.acks = nil
	return acks
}

func TestPollerRoundTrip(t *testing.T) {
	e := newEnv(t, Config{})
	script := commitmentScript(t, testKey(0x22), 0x42)
	confirmed := e.fund(t, script)
	e.node.MineBlock(confirmed)
	late := e.fund(t, script)

	relay := &fakeRelay{announcements: []*entities.Announcement{
		{ID: 1, TxID: confirmed.TxHash().String(), Script: hex.EncodeToString(script)},
		{ID: 2, TxID: late.TxHash().String(), Script: hex.EncodeToString(script)},
		{ID: 3, TxID: late.TxHash().String(), Script: "zz"},
	}}
	server := httptest.NewServer(relay.handler(t))
	defer server.Close()

	poller := NewPoller(NewRelayClient(server.URL, 5*time.Second), e.intake, e.db, 3, quietLogger())

	res, err := poller.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, PollResult{Accepted: 1, Retrying: 1, Rejected: 1}, res)
	acks := relay.takeAcks()
	require.Len(t, acks, 3)
	require.Equal(t, entities.AnnouncementAccepted, acks[0].Status)
	require.Equal(t, entities.AnnouncementRetry, acks[1].Status)
	require.Contains(t, acks[1].Error, ErrNotFound.Error())
	require.Equal(t, entities.AnnouncementRejected, acks[2].Status)

	// Still missing: retried quietly.
	res, err = poller.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, PollResult{Retrying: 1}, res)
	require.Empty(t, relay.takeAcks())

	e.node.MineBlock(late)
	res, err = poller.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, PollResult{Accepted: 1}, res)
	acks = relay.takeAcks()
	require.Len(t, acks, 1)
	require.EqualValues(t, 2, acks[0].ID)
	require.Equal(t, 2, e.tracker.Len())

	// Nothing left to do.
	res, err = poller.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, PollResult{}, res)
}

func TestPollerGivesUp(t *testing.T) {
	e := newEnv(t, Config{})
	script := commitmentScript(t, testKey(0x22), 0x42)
	never := e.fund(t, script)

	relay := &fakeRelay{announcements: []*entities.Announcement{
		{ID: 7, TxID: never.TxHash().String(), Script: hex.EncodeToString(script)},
	}}
	server := httptest.NewServer(relay.handler(t))
	defer server.Close()

	poller := NewPoller(NewRelayClient(server.URL, 5*time.Second), e.intake, e.db, 2, quietLogger())
	_, err := poller.Poll(context.Background())
	require.NoError(t, err)
	res, err := poller.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, PollResult{Rejected: 1}, res)

	acks := relay.takeAcks()
	require.Len(t, acks, 2)
	require.Equal(t, entities.AnnouncementRejected, acks[1].Status)
	require.Contains(t, acks[1].Error, "gave up after 2 attempts")
}
