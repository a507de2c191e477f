package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-resty/resty/v2"
	"github.com/incognitochain/pegin-workers/entities"
)

// ErrSigningFailed wraps any failure reported by the signing service.
var ErrSigningFailed = errors.New("signing failed")

// Signer produces the peg wallet signature for a claim.
type Signer interface {
	SignClaim(ctx context.Context, req *entities.SignClaimRequest) (*entities.SignedRawTx, error)
}

// HTTPSigner calls the threshold signing service at POST {url}/sign.
type HTTPSigner struct {
	client *resty.Client
}

func NewHTTPSigner(url string, timeout time.Duration) *HTTPSigner {
	return &HTTPSigner{
		client: resty.New().SetBaseURL(url).SetTimeout(timeout),
	}
}

func (s *HTTPSigner) SignClaim(ctx context.Context, req *entities.SignClaimRequest) (*entities.SignedRawTx, error) {
	var res entities.SignedRawTxRes
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&res).
		Post("/sign")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: signer returned %v", ErrSigningFailed, resp.Status())
	}
	if res.RPCError != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, res.RPCError.Message)
	}
	if res.Result == nil {
		return nil, fmt.Errorf("%w: empty result", ErrSigningFailed)
	}
	return res.Result, nil
}

// LocalSigner signs with a single peg wallet key held in memory. It serves
// the simulated backend and tests.
type LocalSigner struct {
	key *btcec.PrivateKey
}

func NewLocalSigner(key *btcec.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key}
}

func (s *LocalSigner) SignClaim(ctx context.Context, req *entities.SignClaimRequest) (*entities.SignedRawTx, error) {
	sigHash, err := hex.DecodeString(req.SigHash)
	if err != nil {
		return nil, fmt.Errorf("%w: decode sighash: %v", ErrSigningFailed, err)
	}
	sig, err := schnorr.Sign(s.key, sigHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return &entities.SignedRawTx{Signature: hex.EncodeToString(sig.Serialize())}, nil
}

// Claimer turns claim intents into signed, verified claim transactions.
type Claimer struct {
	Signer      Signer
	Params      *chaincfg.Params
	InternalKey *btcec.PublicKey
}

// Claim builds the claim for intent, has it signed and verifies the result.
func (cl *Claimer) Claim(ctx context.Context, c *entities.Commitment, intent entities.ClaimIntent) (*wire.MsgTx, error) {
	claim, err := BuildClaimTx(c, intent, cl.Params, cl.InternalKey)
	if err != nil {
		return nil, err
	}
	req, err := claim.Request(c, intent)
	if err != nil {
		return nil, err
	}
	signed, err := cl.Signer.SignClaim(ctx, req)
	if err != nil {
		return nil, err
	}

	if signed.SignedTx != "" {
		raw, err := hex.DecodeString(signed.SignedTx)
		if err != nil {
			return nil, fmt.Errorf("%w: decode signed tx: %v", ErrSigningFailed, err)
		}
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("%w: deserialize signed tx: %v", ErrSigningFailed, err)
		}
		if err := claim.Verify(tx); err != nil {
			return nil, err
		}
		return tx, nil
	}

	sig, err := hex.DecodeString(signed.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: decode signature: %v", ErrSigningFailed, err)
	}
	return claim.Finalize(sig)
}
