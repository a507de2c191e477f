package broadcast

import (
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
)

var (
	// ErrFeeTooLow is a permanent rejection for insufficient fee.
	ErrFeeTooLow = errors.New("claim rejected: fee too low")
	// ErrConflict is a permanent rejection because the input is spent or a
	// conflicting transaction holds it.
	ErrConflict = errors.New("claim rejected: conflicting spend")
	// ErrRejected covers other permanent policy or consensus rejections.
	ErrRejected = errors.New("claim rejected")
	// ErrAbandoned means the commitment left CLAIM_IN_FLIGHT, so the claim
	// is no longer wanted.
	ErrAbandoned = errors.New("claim abandoned")
)

// bitcoind error codes for sendrawtransaction.
const (
	rpcVerifyError          = -25
	rpcVerifyRejected       = -26
	rpcVerifyAlreadyInChain = -27
)

type rejection int

const (
	transient rejection = iota
	accepted
	feeTooLow
	conflict
	rejected
)

var feeTooLowReasons = []string{
	"min relay fee not met",
	"mempool min fee not met",
	"insufficient fee",
	"fee not met",
	"insufficient priority",
}

var conflictReasons = []string{
	"txn-mempool-conflict",
	"bad-txns-inputs-missingorspent",
	"missing-inputs",
	"missing inputs",
}

var acceptedReasons = []string{
	"already in block chain",
	"already in blockchain",
	"txn-already-known",
	"txn-already-in-mempool",
}

// classify maps a broadcast error onto the retry policy.
func classify(err error) rejection {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return classifyMessage(err.Error(), transient)
	}

	switch rpcErr.Code {
	case rpcVerifyAlreadyInChain:
		return accepted
	case rpcVerifyRejected, rpcVerifyError:
		return classifyMessage(rpcErr.Message, rejected)
	default:
		return classifyMessage(rpcErr.Message, transient)
	}
}

func classifyMessage(msg string, fallback rejection) rejection {
	msg = strings.ToLower(msg)
	for _, reason := range acceptedReasons {
		if strings.Contains(msg, reason) {
			return accepted
		}
	}
	for _, reason := range feeTooLowReasons {
		if strings.Contains(msg, reason) {
			return feeTooLow
		}
	}
	for _, reason := range conflictReasons {
		if strings.Contains(msg, reason) {
			return conflict
		}
	}
	return fallback
}
