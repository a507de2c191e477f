package utils

import (
	"fmt"

	"github.com/btcsuite/btcd/rpcclient"
)

func BuildBTCClient(host, port, user, pass string) (*rpcclient.Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%s", host, port),
		User:         user,
		Pass:         pass,
		HTTPPostMode: true, // Bitcoin core only supports HTTP POST mode
		DisableTLS:   true, // Bitcoin core does not provide TLS by default
	}
	return rpcclient.New(connCfg, nil)
}
