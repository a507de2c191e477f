package scheduler

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/stretchr/testify/require"
)

func commitment(seed byte, timeout int32, status entities.CommitmentStatus) *entities.Commitment {
	confirmed := int32(900)
	return &entities.Commitment{
		Outpoint:        wire.OutPoint{Hash: chainhash.Hash{seed}, Index: uint32(seed)},
		Payload:         make([]byte, entities.PayloadSize),
		TimeoutHeight:   timeout,
		ConfirmedHeight: &confirmed,
		Status:          status,
	}
}

func TestTickClaimMargin(t *testing.T) {
	c := commitment(1, 1000, entities.StatusPending)
	snapshot := []*entities.Commitment{c}
	policy := Policy{ClaimMargin: 12, Destination: "bc1ppeg"}

	plan := Tick(snapshot, 987, 0, policy)
	require.Empty(t, plan.Intents)

	plan = Tick(snapshot, 988, 0, policy)
	require.Len(t, plan.Intents, 1)
	intent := plan.Intents[0]
	require.Equal(t, c.Outpoint, intent.Outpoint)
	require.Equal(t, "bc1ppeg", intent.Destination)
	require.EqualValues(t, DefaultFeeRate, intent.FeeRate)
	require.EqualValues(t, 1, intent.Attempt)
	require.Equal(t, entities.IntentFirstClaim, intent.Reason)

	require.Empty(t, Tick(snapshot, 1000, 0, policy).Intents)
}

func TestTickSkipsUnclaimable(t *testing.T) {
	unconfirmed := commitment(1, 1000, entities.StatusPending)
	unconfirmed.ConfirmedHeight = nil
	snapshot := []*entities.Commitment{
		unconfirmed,
		commitment(2, 1000, entities.StatusExpired),
		commitment(3, 1000, entities.StatusClaimed),
		commitment(4, 1000, entities.StatusReclaimed),
		commitment(5, 1000, entities.StatusInvalid),
	}
	require.Empty(t, Tick(snapshot, 995, 20, Policy{}).Intents)
}

func TestTickFeeTooLowBump(t *testing.T) {
	c := commitment(1, 1000, entities.StatusClaimInFlight)
	claimTx := chainhash.Hash{0xaa}
	c.ClaimTxID = &claimTx
	c.ClaimFeeRate = 20
	c.ClaimHeight = 990
	c.ClaimAttempts = 1
	snapshot := []*entities.Commitment{c}

	// In flight and not stalled: nothing to do.
	require.Empty(t, Tick(snapshot, 991, 20, Policy{}).Intents)

	c.Rejection = entities.RejectFeeTooLow
	plan := Tick(snapshot, 991, 20, Policy{})
	require.Len(t, plan.Intents, 1)
	require.Greater(t, plan.Intents[0].FeeRate, uint64(20))
	require.EqualValues(t, 23, plan.Intents[0].FeeRate)
	require.EqualValues(t, 2, plan.Intents[0].Attempt)
	require.Equal(t, entities.IntentFeeBump, plan.Intents[0].Reason)

	// A conflict waits for the stall period.
	c.Rejection = entities.RejectConflict
	require.Empty(t, Tick(snapshot, 991, 20, Policy{}).Intents)
	require.Empty(t, Tick(snapshot, 996, 20, Policy{}).Intents)
	plan = Tick(snapshot, 997, 20, Policy{})
	require.Len(t, plan.Intents, 1)
	require.Equal(t, entities.IntentStalled, plan.Intents[0].Reason)
}

func TestTickStalledTakeover(t *testing.T) {
	const signers = 2
	c := commitment(9, 1000, entities.StatusClaimInFlight)
	c.ClaimHeight = 980
	snapshot := []*entities.Commitment{c}

	coordinator := Coordinator(c.Outpoint, signers)
	backup := Policy{NumSigners: signers, SignerID: (coordinator + 1) % signers, StallBlocks: 6, CoordinatorGrace: 3}
	lead := Policy{NumSigners: signers, SignerID: coordinator, StallBlocks: 6, CoordinatorGrace: 3}

	require.Empty(t, Tick(snapshot, 986, 0, lead).Intents)
	require.Len(t, Tick(snapshot, 987, 0, lead).Intents, 1)

	require.Empty(t, Tick(snapshot, 989, 0, backup).Intents)
	plan := Tick(snapshot, 990, 0, backup)
	require.Len(t, plan.Intents, 1)
	require.Equal(t, entities.IntentTakeover, plan.Intents[0].Reason)
}

func TestTickFeeCap(t *testing.T) {
	c := commitment(1, 1000, entities.StatusClaimInFlight)
	c.ClaimFeeRate = 50
	c.ClaimHeight = 980
	c.Rejection = entities.RejectFeeTooLow

	plan := Tick([]*entities.Commitment{c}, 991, 0, Policy{MaxFeeRate: 50})
	require.Empty(t, plan.Intents)
	require.Equal(t, []wire.OutPoint{c.Outpoint}, plan.AtFeeCap)
}

func TestTickOrderAndCap(t *testing.T) {
	a := commitment(1, 1005, entities.StatusPending)
	b := commitment(2, 1000, entities.StatusPending)
	c := commitment(3, 1000, entities.StatusPending)
	d := commitment(4, 1003, entities.StatusPending)

	plan := Tick([]*entities.Commitment{a, d, c, b}, 995, 5, Policy{MaxIntentsPerTick: 3})
	require.Len(t, plan.Intents, 3)
	require.Equal(t, b.Outpoint, plan.Intents[0].Outpoint)
	require.Equal(t, c.Outpoint, plan.Intents[1].Outpoint)
	require.Equal(t, d.Outpoint, plan.Intents[2].Outpoint)
	require.Equal(t, []wire.OutPoint{a.Outpoint}, plan.Deferred)
	for _, intent := range plan.Intents {
		require.EqualValues(t, 5, intent.FeeRate)
	}
}

func TestCoordinatorRotation(t *testing.T) {
	const signers = 3
	counts := make(map[uint32]int)
	for i := byte(0); i < 60; i++ {
		op := wire.OutPoint{Hash: chainhash.Hash{i, 0x42}, Index: 1}
		id := Coordinator(op, signers)
		require.Less(t, id, uint32(signers))
		require.Equal(t, id, Coordinator(op, signers))
		counts[id]++
	}
	require.Len(t, counts, signers)

	c := commitment(7, 1000, entities.StatusPending)
	coordinator := Coordinator(c.Outpoint, signers)
	other := (coordinator + 1) % signers
	snapshot := []*entities.Commitment{c}

	lead := Policy{NumSigners: signers, SignerID: coordinator, CoordinatorGrace: 3}
	backup := Policy{NumSigners: signers, SignerID: other, CoordinatorGrace: 3}

	require.Len(t, Tick(snapshot, 988, 0, lead).Intents, 1)
	require.Empty(t, Tick(snapshot, 988, 0, backup).Intents)
	require.Empty(t, Tick(snapshot, 990, 0, backup).Intents)

	plan := Tick(snapshot, 991, 0, backup)
	require.Len(t, plan.Intents, 1)
	require.Equal(t, entities.IntentTakeover, plan.Intents[0].Reason)
}
