package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	contracts_abi "github.com/scalarorg/settlement-relayer/pkg/clients/evm/abi"
)

// BoundVault talks to a deployed settlement vault through an ethclient connection.
type BoundVault struct {
	client   *ethclient.Client
	contract *bind.BoundContract
}

var _ Vault = (*BoundVault)(nil)

func NewBoundVault(address common.Address, client *ethclient.Client) (*BoundVault, error) {
	parsed, err := contracts_abi.GetVaultABI()
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(address, parsed, client, client, client)
	return &BoundVault{client: client, contract: contract}, nil
}

func (v *BoundVault) Settle(opts *bind.TransactOpts, vaultOwner common.Address, sourceTxHash string,
	receiver common.Address, amount uint64, nonce uint64, timestamp uint64) (*ethTypes.Transaction, error) {
	return v.contract.Transact(opts, contracts_abi.METHOD_SETTLE, vaultOwner, sourceTxHash, receiver, amount, nonce, timestamp)
}

func (v *BoundVault) IsSettled(ctx context.Context, vaultOwner common.Address, sourceTxHash string) (bool, error) {
	var out []interface{}
	err := v.contract.Call(&bind.CallOpts{Context: ctx}, &out, contracts_abi.METHOD_IS_SETTLED, vaultOwner, sourceTxHash)
	if err != nil {
		return false, err
	}
	if len(out) == 0 {
		return false, fmt.Errorf("empty isSettled response")
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (v *BoundVault) GetVaultBalance(ctx context.Context, vaultOwner common.Address) (uint64, error) {
	return v.callUint64(ctx, contracts_abi.METHOD_GET_VAULT_BALANCE, vaultOwner)
}

func (v *BoundVault) GetTotalSettled(ctx context.Context, vaultOwner common.Address) (uint64, error) {
	return v.callUint64(ctx, contracts_abi.METHOD_GET_TOTAL_SETTLED, vaultOwner)
}

func (v *BoundVault) callUint64(ctx context.Context, method string, args ...interface{}) (uint64, error) {
	var out []interface{}
	if err := v.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("empty %s response", method)
	}
	return *abi.ConvertType(out[0], new(uint64)).(*uint64), nil
}

func (v *BoundVault) WaitMined(ctx context.Context, tx *ethTypes.Transaction) (*ethTypes.Receipt, error) {
	return bind.WaitMined(ctx, v.client, tx)
}

func (v *BoundVault) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return v.client.PendingNonceAt(ctx, account)
}

func (v *BoundVault) BlockNumber(ctx context.Context) (uint64, error) {
	return v.client.BlockNumber(ctx)
}

// SettledEvent is the Settled log emitted by the vault for one settlement.
type SettledEvent struct {
	VaultOwner   common.Address
	Receiver     common.Address
	SourceTxHash string
	Amount       uint64
	Nonce        uint64
}

// FindSettledEvent returns the Settled event for sourceTxHash among the receipt logs of the vault.
func FindSettledEvent(logs []*ethTypes.Log, vaultAddress common.Address, sourceTxHash string) (*SettledEvent, error) {
	parsed, err := contracts_abi.GetVaultABI()
	if err != nil {
		return nil, err
	}
	event, ok := parsed.Events[contracts_abi.EVENT_SETTLED]
	if !ok {
		return nil, fmt.Errorf("vault abi has no %s event", contracts_abi.EVENT_SETTLED)
	}
	for _, entry := range logs {
		if entry == nil || entry.Address != vaultAddress || len(entry.Topics) != 3 || entry.Topics[0] != event.ID {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(entry.Data)
		if err != nil || len(values) != 3 {
			continue
		}
		settled := &SettledEvent{
			VaultOwner:   common.BytesToAddress(entry.Topics[1].Bytes()),
			Receiver:     common.BytesToAddress(entry.Topics[2].Bytes()),
			SourceTxHash: *abi.ConvertType(values[0], new(string)).(*string),
			Amount:       *abi.ConvertType(values[1], new(uint64)).(*uint64),
			Nonce:        *abi.ConvertType(values[2], new(uint64)).(*uint64),
		}
		if settled.SourceTxHash == sourceTxHash {
			return settled, nil
		}
	}
	return nil, fmt.Errorf("no %s event for %s", contracts_abi.EVENT_SETTLED, sourceTxHash)
}
