package scheduler

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Coordinator returns the index of the signer that claims op first.
func Coordinator(op wire.OutPoint, numSigners uint32) uint32 {
	if numSigners <= 1 {
		return 0
	}
	var buf [chainhash.HashSize + 4]byte
	copy(buf[:], op.Hash[:])
	binary.LittleEndian.PutUint32(buf[chainhash.HashSize:], op.Index)
	digest := chainhash.HashB(buf[:])
	return binary.BigEndian.Uint32(digest[:4]) % numSigners
}

func IsCoordinator(op wire.OutPoint, policy Policy) bool {
	return Coordinator(op, policy.NumSigners) == policy.SignerID
}
