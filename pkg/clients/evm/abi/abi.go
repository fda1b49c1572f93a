package contracts_abi

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	METHOD_SETTLE            = "settle"
	METHOD_IS_SETTLED        = "isSettled"
	METHOD_GET_VAULT_BALANCE = "getVaultBalance"
	METHOD_GET_TOTAL_SETTLED = "getTotalSettled"
	EVENT_SETTLED            = "Settled"
)

var vaultAbis = map[string]string{
	METHOD_SETTLE: `{
		"type": "function",
		"name": "settle",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "vaultOwner", "type": "address"},
			{"name": "sourceTxHash", "type": "string"},
			{"name": "receiver", "type": "address"},
			{"name": "amount", "type": "uint64"},
			{"name": "nonce", "type": "uint64"},
			{"name": "timestamp", "type": "uint64"}
		],
		"outputs": []
	}`,
	METHOD_IS_SETTLED: `{
		"type": "function",
		"name": "isSettled",
		"stateMutability": "view",
		"inputs": [
			{"name": "vaultOwner", "type": "address"},
			{"name": "sourceTxHash", "type": "string"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	}`,
	METHOD_GET_VAULT_BALANCE: `{
		"type": "function",
		"name": "getVaultBalance",
		"stateMutability": "view",
		"inputs": [{"name": "vaultOwner", "type": "address"}],
		"outputs": [{"name": "", "type": "uint64"}]
	}`,
	METHOD_GET_TOTAL_SETTLED: `{
		"type": "function",
		"name": "getTotalSettled",
		"stateMutability": "view",
		"inputs": [{"name": "vaultOwner", "type": "address"}],
		"outputs": [{"name": "", "type": "uint64"}]
	}`,
	EVENT_SETTLED: `{
		"type": "event",
		"name": "Settled",
		"inputs": [
			{"indexed": true, "name": "vaultOwner", "type": "address"},
			{"indexed": true, "name": "receiver", "type": "address"},
			{"indexed": false, "name": "sourceTxHash", "type": "string"},
			{"indexed": false, "name": "amount", "type": "uint64"},
			{"indexed": false, "name": "nonce", "type": "uint64"}
		]
	}`,
}

var (
	vaultAbi     abi.ABI
	vaultAbiErr  error
	vaultAbiOnce sync.Once
)

// GetVaultABI returns the parsed settlement vault ABI.
func GetVaultABI() (abi.ABI, error) {
	vaultAbiOnce.Do(func() {
		entries := make([]string, 0, len(vaultAbis))
		for _, entry := range vaultAbis {
			entries = append(entries, entry)
		}
		vaultAbi, vaultAbiErr = abi.JSON(strings.NewReader("[" + strings.Join(entries, ",") + "]"))
		if vaultAbiErr != nil {
			vaultAbiErr = fmt.Errorf("failed to parse vault abi: %w", vaultAbiErr)
		}
	})
	return vaultAbi, vaultAbiErr
}
