package utils

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg"
)

// GetNetworkParams maps a network name to its chain parameters, or nil.
func GetNetworkParams(network string) *chaincfg.Params {
	switch network {
	case "mainnet", "main":
		return &chaincfg.MainNetParams
	case "testnet", "testnet3", "test3":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	case "signet":
		return &chaincfg.SigNetParams
	case "simnet":
		return &chaincfg.SimNetParams
	default:
		return nil
	}
}

// BlockCypherChain is the gobcy chain name for params.
func BlockCypherChain(params *chaincfg.Params) string {
	if params.Net == chaincfg.MainNetParams.Net {
		return "main"
	}
	return "test3"
}

func HexToBytes(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return []byte{}, err
	}
	return b, nil
}
