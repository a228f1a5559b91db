// Package utils
package utils

import (
	"errors"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/vedhavyas/go-subkey/v2"
)

func Wrap(msg string, errs ...error) error {
	fullerr := msg
	for _, err := range errs {
		if err == nil {
			continue
		}
		fullerr = fmt.Sprintf("%s: %s", fullerr, err)
	}
	return errors.New(fullerr)
}

func AccountIDToSS58(acc types.AccountID) string {
	return subkey.SS58Encode(acc.ToBytes(), 42)
}

func SS58ToAccountID(addr string) (types.AccountID, error) {
	_, pub, err := subkey.SS58Decode(addr)
	if err != nil {
		return types.AccountID{}, Wrap("invalid ss58 address", err)
	}
	acc, err := types.NewAccountID(pub)
	if err != nil {
		return types.AccountID{}, Wrap("invalid account id", err)
	}
	return *acc, nil
}
