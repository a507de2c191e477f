package entities

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// PayloadSize is the size of the data pushed at the head of a commitment script.
const PayloadSize = 80

type CommitmentStatus int

const (
	StatusPending CommitmentStatus = iota
	StatusClaimInFlight
	StatusClaimed
	StatusExpired
	StatusReclaimed
	StatusInvalid
)

func (s CommitmentStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusClaimInFlight:
		return "CLAIM_IN_FLIGHT"
	case StatusClaimed:
		return "CLAIMED"
	case StatusExpired:
		return "EXPIRED"
	case StatusReclaimed:
		return "RECLAIMED"
	case StatusInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// IsTerminal reports whether no further forward transition is possible.
// Terminal commitments can still be rolled back by a reorg.
func (s CommitmentStatus) IsTerminal() bool {
	return s == StatusClaimed || s == StatusReclaimed || s == StatusInvalid
}

// Claimable reports whether a claim attempt may still be made or continued.
func (s CommitmentStatus) Claimable() bool {
	return s == StatusPending || s == StatusClaimInFlight
}

// SpendPath identifies which branch of the commitment script a spend used.
type SpendPath int

const (
	SpendPathUnknown SpendPath = iota
	SpendPathClaim
	SpendPathReclaim
	SpendPathInvalid
)

func (p SpendPath) String() string {
	switch p {
	case SpendPathClaim:
		return "claim"
	case SpendPathReclaim:
		return "reclaim"
	case SpendPathInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// RejectReason records why the last broadcast of a claim was refused.
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectFeeTooLow
	RejectConflict
)

func (r RejectReason) String() string {
	switch r {
	case RejectFeeTooLow:
		return "fee-too-low"
	case RejectConflict:
		return "conflict"
	default:
		return "none"
	}
}

// SpendRecord is a confirmed transaction spending a commitment outpoint.
type SpendRecord struct {
	TxID      chainhash.Hash
	Height    int32
	BlockHash chainhash.Hash
	Path      SpendPath
}

// Commitment is one user-submitted peg-in attempt.
type Commitment struct {
	Outpoint        wire.OutPoint
	Payload         []byte
	TimeoutHeight   int32
	ConfirmedHeight *int32
	ConfirmedBlock  *chainhash.Hash
	Status          CommitmentStatus
	ClaimTxID       *chainhash.Hash

	Amount     int64
	PkScript   []byte
	Script     []byte
	UserPubKey []byte
	PegPubKey  []byte

	// claim intent lifecycle
	ClaimFeeRate  uint64 // sat/vB
	ClaimHeight   int32
	ClaimAttempts uint32
	Rejection     RejectReason

	Spend      *SpendRecord
	PrevStatus CommitmentStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsConfirmed reports whether the commitment transaction is in the best chain.
func (c *Commitment) IsConfirmed() bool {
	return c.ConfirmedHeight != nil
}

// Copy returns a deep copy, safe to hand out as a snapshot.
func (c *Commitment) Copy() *Commitment {
	cp := *c
	cp.Payload = append([]byte(nil), c.Payload...)
	cp.PkScript = append([]byte(nil), c.PkScript...)
	cp.Script = append([]byte(nil), c.Script...)
	cp.UserPubKey = append([]byte(nil), c.UserPubKey...)
	cp.PegPubKey = append([]byte(nil), c.PegPubKey...)
	if c.ConfirmedHeight != nil {
		h := *c.ConfirmedHeight
		cp.ConfirmedHeight = &h
	}
	if c.ConfirmedBlock != nil {
		b := *c.ConfirmedBlock
		cp.ConfirmedBlock = &b
	}
	if c.ClaimTxID != nil {
		id := *c.ClaimTxID
		cp.ClaimTxID = &id
	}
	if c.Spend != nil {
		s := *c.Spend
		cp.Spend = &s
	}
	return &cp
}

func (c *Commitment) String() string {
	return fmt.Sprintf("commitment %v (%v, timeout %d)", c.Outpoint, c.Status, c.TimeoutHeight)
}
