package evm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/scalarorg/settlement-relayer/pkg/types"
)

// Error(string) selector used by solidity reverts
var revertSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

func AbiUnpack(data []byte, types ...string) ([]interface{}, error) {
	var arguments ethabi.Arguments
	for _, t := range types {
		typ, err := ethabi.NewType(t, t, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create type: %w", err)
		}
		arguments = append(arguments, ethabi.Argument{Type: typ})
	}
	args, err := arguments.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to get arguments: %w", err)
	}
	return args, nil
}

// RevertReason extracts the solidity revert string carried by an rpc error, if any.
func RevertReason(err error) string {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	hexData, ok := dataErr.ErrorData().(string)
	if !ok {
		return ""
	}
	data, decodeErr := hexutil.Decode(hexData)
	if decodeErr != nil || len(data) < 4 || !bytes.Equal(data[:4], revertSelector) {
		return ""
	}
	args, unpackErr := AbiUnpack(data[4:], "string")
	if unpackErr != nil || len(args) == 0 {
		return ""
	}
	reason, _ := args[0].(string)
	return reason
}

// classifySubmitError maps a failed settle submission onto the relayer error kinds.
func classifySubmitError(sourceTxHash string, err error) error {
	reason := RevertReason(err)
	message := strings.ToLower(err.Error() + " " + reason)
	switch {
	case strings.Contains(message, "already settled"), strings.Contains(message, "already processed"):
		return types.AlreadyProcessed(sourceTxHash)
	case strings.Contains(message, "insufficient vault balance"), strings.Contains(message, "insufficient balance"):
		return types.NewError(types.ErrKindInsufficientBalance, "vault rejected settlement: "+reason, err)
	case errors.Is(err, context.DeadlineExceeded):
		return types.TimeoutError("settlement submission timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || strings.Contains(message, "connection refused") {
		return types.NetworkError("settlement submission failed", err)
	}
	if reason != "" {
		return types.ChainError("settlement reverted: "+reason, err)
	}
	return types.ChainError("settlement submission failed", err)
}
