package entities

import (
	"github.com/btcsuite/btcd/wire"
)

type IntentReason int

const (
	IntentFirstClaim IntentReason = iota
	IntentFeeBump
	IntentStalled
	IntentTakeover
)

func (r IntentReason) String() string {
	switch r {
	case IntentFirstClaim:
		return "first-claim"
	case IntentFeeBump:
		return "fee-bump"
	case IntentStalled:
		return "stalled"
	case IntentTakeover:
		return "takeover"
	default:
		return "unknown"
	}
}

// ClaimIntent asks the signing collaborator for a claim of one commitment.
type ClaimIntent struct {
	Outpoint      wire.OutPoint
	Destination   string
	FeeRate       uint64 // sat/vB
	Payload       []byte
	TimeoutHeight int32
	Attempt       uint32
	Reason        IntentReason
}
