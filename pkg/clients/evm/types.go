package evm

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
)

const (
	HEALTH_CHECK_TIMEOUT = 5 * time.Second
	GWEI                 = 1_000_000_000
)

// Vault is the subset of the settlement vault contract and its node the client needs.
type Vault interface {
	Settle(opts *bind.TransactOpts, vaultOwner common.Address, sourceTxHash string,
		receiver common.Address, amount uint64, nonce uint64, timestamp uint64) (*ethTypes.Transaction, error)
	IsSettled(ctx context.Context, vaultOwner common.Address, sourceTxHash string) (bool, error)
	GetVaultBalance(ctx context.Context, vaultOwner common.Address) (uint64, error)
	GetTotalSettled(ctx context.Context, vaultOwner common.Address) (uint64, error)
	WaitMined(ctx context.Context, tx *ethTypes.Transaction) (*ethTypes.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type settleArgs struct {
	vaultOwner   common.Address
	sourceTxHash string
	receiver     common.Address
	amount       uint64
	nonce        uint64
	timestamp    uint64
}

func gweiToWei(gwei uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gwei), big.NewInt(GWEI))
}
