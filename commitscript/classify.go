package commitscript

import (
	"bytes"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/incognitochain/pegin-workers/entities"
)

// claimSelector is the minimal true value that selects the OP_IF branch.
var claimSelector = []byte{0x01}

// ClaimWitness assembles the script path witness for the peg wallet branch.
func ClaimWitness(sig, script, controlBlock []byte) wire.TxWitness {
	return wire.TxWitness{sig, append([]byte(nil), claimSelector...), script, controlBlock}
}

// ReclaimWitness assembles the script path witness for the user branch.
func ReclaimWitness(sig, script, controlBlock []byte) wire.TxWitness {
	return wire.TxWitness{sig, {}, script, controlBlock}
}

// ClassifySpend reports which branch of script the input witness executes.
// A key path spend, a different leaf or a malformed stack is SpendPathInvalid.
func ClassifySpend(witness wire.TxWitness, lockTime uint32, script []byte, timeoutHeight int32) entities.SpendPath {
	if len(witness) >= 2 {
		last := witness[len(witness)-1]
		if len(last) > 0 && last[0] == txscript.TaprootAnnexTag {
			witness = witness[:len(witness)-1]
		}
	}
	if len(witness) != 4 {
		return entities.SpendPathInvalid
	}
	if !bytes.Equal(witness[2], script) {
		return entities.SpendPathInvalid
	}
	if _, err := txscript.ParseControlBlock(witness[3]); err != nil {
		return entities.SpendPathInvalid
	}

	selector := witness[1]
	switch {
	case bytes.Equal(selector, claimSelector):
		return entities.SpendPathClaim
	case len(selector) == 0:
		if lockTime < uint32(timeoutHeight) || lockTime >= txscript.LockTimeThreshold {
			return entities.SpendPathInvalid
		}
		return entities.SpendPathReclaim
	default:
		return entities.SpendPathInvalid
	}
}
