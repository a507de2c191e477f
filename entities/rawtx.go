package entities

// SignClaimRequest is handed to the threshold signing service. All byte
// fields are hex encoded.
type SignClaimRequest struct {
	Outpoint      string `json:"outpoint"`
	Destination   string `json:"destination"`
	Amount        int64  `json:"amount"`
	FeeRate       uint64 `json:"fee_rate"`
	Payload       string `json:"payload"`
	TimeoutHeight int32  `json:"timeout_height"`
	UnsignedTx    string `json:"unsigned_tx"`
	SigHash       string `json:"sighash"`
	LeafScript    string `json:"leaf_script"`
	ControlBlock  string `json:"control_block"`
}

// SignedRawTx is the signing service answer: either a fully signed
// transaction or a bare 64 byte schnorr signature over SigHash.
type SignedRawTx struct {
	SignedTx  string
	Signature string
	TxID      string
}

type SignedRawTxRes struct {
	RPCBaseRes
	Result *SignedRawTx
}
