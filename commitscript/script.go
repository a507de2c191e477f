// Package commitscript recognises and builds the tapscript leaf that users
// commit to when pegging in:
//
//	<80 byte payload> OP_DROP
//	OP_IF
//	    <peg wallet key> OP_CHECKSIG
//	OP_ELSE
//	    <timeout height> OP_CHECKLOCKTIMEVERIFY OP_DROP <user key> OP_CHECKSIG
//	OP_ENDIF
//
// Keys are BIP-340 x-only public keys.
package commitscript

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/incognitochain/pegin-workers/entities"
)

// ErrMalformedScript is returned for any script that is not an exact
// instance of the commitment template.
var ErrMalformedScript = errors.New("malformed commitment script")

// maxScriptNumLen is the longest number CHECKLOCKTIMEVERIFY accepts.
const maxScriptNumLen = 5

// CommitmentScript holds the fields of a recognised commitment script.
type CommitmentScript struct {
	Payload       [entities.PayloadSize]byte
	TimeoutHeight int32
	UserPubKey    *btcec.PublicKey
	PegPubKey     *btcec.PublicKey
}

// Encode builds the canonical script for the given fields.
func (c *CommitmentScript) Encode() ([]byte, error) {
	if c.UserPubKey == nil || c.PegPubKey == nil {
		return nil, fmt.Errorf("%w: missing public key", ErrMalformedScript)
	}
	if err := checkTimeout(int64(c.TimeoutHeight)); err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder()
	builder.AddData(c.Payload[:])
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_IF)
	builder.AddData(schnorr.SerializePubKey(c.PegPubKey))
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(c.TimeoutHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(schnorr.SerializePubKey(c.UserPubKey))
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// Recognize parses script and returns its fields if, and only if, it is a
// byte-exact instance of the commitment template.
func Recognize(script []byte) (*CommitmentScript, error) {
	var (
		result   CommitmentScript
		pegKey   []byte
		userKey  []byte
		timeout  int64
		position int
	)

	tokenizer := txscript.MakeScriptTokenizer(0, script)
	next := func() bool {
		position++
		return tokenizer.Next()
	}
	expectOp := func(op byte) error {
		if !next() {
			return truncated(tokenizer.Err(), position)
		}
		if tokenizer.Opcode() != op {
			return fmt.Errorf("%w: unexpected opcode 0x%02x at position %d",
				ErrMalformedScript, tokenizer.Opcode(), position)
		}
		return nil
	}
	expectData := func(size int) ([]byte, error) {
		if !next() {
			return nil, truncated(tokenizer.Err(), position)
		}
		data := tokenizer.Data()
		if tokenizer.Opcode() > txscript.OP_PUSHDATA4 || len(data) != size {
			return nil, fmt.Errorf("%w: expected %d byte push at position %d, got %d bytes",
				ErrMalformedScript, size, position, len(data))
		}
		return data, nil
	}

	payload, err := expectData(entities.PayloadSize)
	if err != nil {
		return nil, err
	}
	copy(result.Payload[:], payload)

	if err := expectOp(txscript.OP_DROP); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_IF); err != nil {
		return nil, err
	}
	if pegKey, err = expectData(schnorr.PubKeyBytesLen); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_CHECKSIG); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ELSE); err != nil {
		return nil, err
	}

	if !next() {
		return nil, truncated(tokenizer.Err(), position)
	}
	if timeout, err = scriptNumber(tokenizer.Opcode(), tokenizer.Data()); err != nil {
		return nil, err
	}

	for _, op := range []byte{txscript.OP_CHECKLOCKTIMEVERIFY, txscript.OP_DROP} {
		if err := expectOp(op); err != nil {
			return nil, err
		}
	}
	if userKey, err = expectData(schnorr.PubKeyBytesLen); err != nil {
		return nil, err
	}
	for _, op := range []byte{txscript.OP_CHECKSIG, txscript.OP_ENDIF} {
		if err := expectOp(op); err != nil {
			return nil, err
		}
	}

	if tokenizer.Next() {
		return nil, fmt.Errorf("%w: trailing opcodes after OP_ENDIF", ErrMalformedScript)
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedScript, err)
	}

	if err := checkTimeout(timeout); err != nil {
		return nil, err
	}
	result.TimeoutHeight = int32(timeout)

	if result.PegPubKey, err = schnorr.ParsePubKey(pegKey); err != nil {
		return nil, fmt.Errorf("%w: peg wallet key: %v", ErrMalformedScript, err)
	}
	if result.UserPubKey, err = schnorr.ParsePubKey(userKey); err != nil {
		return nil, fmt.Errorf("%w: user key: %v", ErrMalformedScript, err)
	}

	// Re-encoding rejects non-minimal pushes and numbers that the
	// tokenizer alone would accept.
	canonical, err := result.Encode()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(canonical, script) {
		return nil, fmt.Errorf("%w: non-canonical encoding", ErrMalformedScript)
	}

	return &result, nil
}

func truncated(err error, position int) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedScript, err)
	}
	return fmt.Errorf("%w: script ends at position %d", ErrMalformedScript, position)
}

func checkTimeout(height int64) error {
	if height <= 0 || height >= txscript.LockTimeThreshold {
		return fmt.Errorf("%w: timeout %d is not a block height", ErrMalformedScript, height)
	}
	return nil
}

// scriptNumber decodes a little-endian sign-magnitude script number pushed by
// a small integer opcode or a data push.
func scriptNumber(op byte, data []byte) (int64, error) {
	switch {
	case op >= txscript.OP_1 && op <= txscript.OP_16:
		return int64(op-txscript.OP_1) + 1, nil
	case op == txscript.OP_1NEGATE:
		return -1, nil
	case op > txscript.OP_PUSHDATA4:
		return 0, fmt.Errorf("%w: expected timeout height, got opcode 0x%02x",
			ErrMalformedScript, op)
	}

	if len(data) == 0 {
		return 0, nil
	}
	if len(data) > maxScriptNumLen {
		return 0, fmt.Errorf("%w: timeout number is %d bytes", ErrMalformedScript, len(data))
	}

	var result int64
	for i, b := range data {
		result |= int64(b) << uint(8*i)
	}
	if data[len(data)-1]&0x80 != 0 {
		result &= ^(int64(0x80) << uint(8*(len(data)-1)))
		return -result, nil
	}
	return result, nil
}
