package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/commitscript"
	"github.com/incognitochain/pegin-workers/entities"
	"github.com/stretchr/testify/require"
)

var params = &chaincfg.RegressionNetParams

func testKey(seed byte) *btcec.PrivateKey {
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return key
}

func testCommitment(t *testing.T, pegKey *btcec.PrivateKey, amount int64) *entities.Commitment {
	t.Helper()
	cs := &commitscript.CommitmentScript{
		TimeoutHeight: 1000,
		UserPubKey:    testKey(0x11).PubKey(),
		PegPubKey:     pegKey.PubKey(),
	}
	cs.Payload[0] = 0x42
	script, err := cs.Encode()
	require.NoError(t, err)
	taproot, err := commitscript.NewTaprootCommitment(script, nil)
	require.NoError(t, err)

	return &entities.Commitment{
		Outpoint:      wire.OutPoint{Hash: chainhash.Hash{0xc0}, Index: 1},
		Payload:       cs.Payload[:],
		TimeoutHeight: 1000,
		Status:        entities.StatusPending,
		Amount:        amount,
		PkScript:      taproot.PkScript,
		Script:        script,
		PegPubKey:     schnorr.SerializePubKey(pegKey.PubKey()),
	}
}

func pegAddress(t *testing.T, key *btcec.PrivateKey) string {
	t.Helper()
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(key.PubKey()), params)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func TestClaimWithLocalSigner(t *testing.T) {
	pegKey := testKey(0x22)
	c := testCommitment(t, pegKey, 100000)
	intent := entities.ClaimIntent{
		Outpoint:    c.Outpoint,
		Destination: pegAddress(t, pegKey),
		FeeRate:     10,
	}

	claimer := &Claimer{Signer: NewLocalSigner(pegKey), Params: params}
	tx, err := claimer.Claim(context.Background(), c, intent)
	require.NoError(t, err)

	require.Len(t, tx.TxIn, 1)
	require.Equal(t, c.Outpoint, tx.TxIn[0].PreviousOutPoint)
	require.EqualValues(t, 0xfffffffd, tx.TxIn[0].Sequence)
	require.Len(t, tx.TxIn[0].Witness, 4)
	require.Equal(t, []byte{0x01}, []byte(tx.TxIn[0].Witness[1]))

	claim, err := BuildClaimTx(c, intent, params, nil)
	require.NoError(t, err)
	require.EqualValues(t, 10*claim.VSize, claim.Fee)
	require.Equal(t, c.Amount-int64(claim.Fee), tx.TxOut[0].Value)

	// The signed claim is classified as a claim-path spend.
	path := commitscript.ClassifySpend(tx.TxIn[0].Witness, tx.LockTime, c.Script, c.TimeoutHeight)
	require.Equal(t, entities.SpendPathClaim, path)

	// A higher fee rate gives a different, cheaper output.
	intent.FeeRate = 12
	bumped, err := claimer.Claim(context.Background(), c, intent)
	require.NoError(t, err)
	require.Less(t, bumped.TxOut[0].Value, tx.TxOut[0].Value)
	require.NotEqual(t, tx.TxHash(), bumped.TxHash())
}

func TestClaimRejectsWrongKey(t *testing.T) {
	c := testCommitment(t, testKey(0x22), 100000)
	intent := entities.ClaimIntent{
		Outpoint:    c.Outpoint,
		Destination: pegAddress(t, testKey(0x22)),
		FeeRate:     10,
	}
	claimer := &Claimer{Signer: NewLocalSigner(testKey(0x33)), Params: params}
	_, err := claimer.Claim(context.Background(), c, intent)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestClaimDust(t *testing.T) {
	c := testCommitment(t, testKey(0x22), 1000)
	intent := entities.ClaimIntent{
		Outpoint:    c.Outpoint,
		Destination: pegAddress(t, testKey(0x22)),
		FeeRate:     10,
	}
	_, err := BuildClaimTx(c, intent, params, nil)
	require.ErrorIs(t, err, ErrDustOutput)
}

func TestHTTPSigner(t *testing.T) {
	pegKey := testKey(0x22)
	local := NewLocalSigner(pegKey)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sign", r.URL.Path)
		var req entities.SignClaimRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		signed, err := local.SignClaim(r.Context(), &req)
		res := entities.SignedRawTxRes{Result: signed}
		if err != nil {
			res.RPCError = &entities.RPCError{Code: -1, Message: err.Error()}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}))
	defer server.Close()

	c := testCommitment(t, pegKey, 50000)
	claimer := &Claimer{Signer: NewHTTPSigner(server.URL, 5*time.Second), Params: params}
	tx, err := claimer.Claim(context.Background(), c, entities.ClaimIntent{
		Outpoint:    c.Outpoint,
		Destination: pegAddress(t, pegKey),
		FeeRate:     3,
	})
	require.NoError(t, err)
	require.Len(t, tx.TxIn[0].Witness, 4)
}

func TestHTTPSignerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Id":0,"Error":{"Code":-1,"Message":"ceremony timed out"}}`))
	}))
	defer server.Close()

	_, err := NewHTTPSigner(server.URL, time.Second).SignClaim(context.Background(), &entities.SignClaimRequest{})
	require.ErrorIs(t, err, ErrSigningFailed)
	require.Contains(t, err.Error(), "ceremony timed out")
}
