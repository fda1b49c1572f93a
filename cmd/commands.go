package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scalarorg/settlement-relayer/config"
	"github.com/scalarorg/settlement-relayer/pkg/clients/evm"
	"github.com/scalarorg/settlement-relayer/pkg/db"
	"github.com/scalarorg/settlement-relayer/pkg/settlement"
	"github.com/scalarorg/settlement-relayer/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "sample",
		Short: "Print a commented sample configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), config.SampleConfig)
		},
	})
	return configCmd
}

type settleFlags struct {
	txHash   string
	receiver string
	sender   string
	amount   string
	nonce    uint64
}

func newSettleCmd() *cobra.Command {
	flags := settleFlags{}
	settleCmd := &cobra.Command{
		Use:   "settle",
		Short: "Submit one settlement directly, bypassing the source listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			instr, err := flags.instruction()
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return settleOnce(cmd, cfg, instr)
		},
	}
	settleCmd.Flags().StringVar(&flags.txHash, "tx", "", "Source transaction hash")
	settleCmd.Flags().StringVar(&flags.receiver, "receiver", "", "Receiver address on the destination chain")
	settleCmd.Flags().StringVar(&flags.sender, "sender", "", "Sender on the source chain")
	settleCmd.Flags().StringVar(&flags.amount, "amount", "", "Amount in USDC, e.g. 1.5")
	settleCmd.Flags().Uint64Var(&flags.nonce, "nonce", 0, "Settlement nonce")
	_ = settleCmd.MarkFlagRequired("tx")
	_ = settleCmd.MarkFlagRequired("receiver")
	_ = settleCmd.MarkFlagRequired("amount")
	return settleCmd
}

func (f settleFlags) instruction() (*types.SettlementInstruction, error) {
	amount, err := decimal.NewFromString(f.amount)
	if err != nil {
		return nil, types.InvalidInstruction(fmt.Errorf("amount %q: %w", f.amount, err))
	}
	return types.NewSettlementInstructionFromDecimal(types.CHAIN_SOLANA, f.txHash, "", f.sender, f.receiver, amount, f.nonce)
}

func settleOnce(cmd *cobra.Command, cfg *config.Config, instr *types.SettlementInstruction) error {
	ctx := cmd.Context()
	store, err := db.NewStore(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	client, err := evm.NewEvmClient(ctx, &cfg.Destination)
	if err != nil {
		return err
	}
	defer client.Close()

	instr.DestinationChain = cfg.Destination.ChainName
	orchestrator := settlement.NewOrchestrator(&cfg.Processing, cfg.Destination.TxTimeout, nil, client, store, nil)
	result, processErr := orchestrator.ProcessInstruction(ctx, instr)
	if result != nil {
		if err := printJSON(cmd, result); err != nil {
			return err
		}
	}
	return processErr
}

type vaultStatus struct {
	Chain            string          `json:"chain"`
	Contract         string          `json:"contract"`
	Relayer          string          `json:"relayer"`
	Balance          uint64          `json:"balance"`
	BalanceUSDC      decimal.Decimal `json:"balance_usdc"`
	TotalSettled     uint64          `json:"total_settled"`
	TotalSettledUSDC decimal.Decimal `json:"total_settled_usdc"`
	Healthy          bool            `json:"healthy"`
}

func newVaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vault",
		Short: "Print the vault balance and total settled amount",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client, err := evm.NewEvmClient(ctx, &cfg.Destination)
			if err != nil {
				return err
			}
			defer client.Close()
			balance := client.GetVaultBalance(ctx)
			totalSettled := client.GetTotalSettled(ctx)
			return printJSON(cmd, vaultStatus{
				Chain:            cfg.Destination.ChainName,
				Contract:         cfg.Destination.ContractAddress,
				Relayer:          client.RelayerAddress().Hex(),
				Balance:          balance,
				BalanceUSDC:      types.FromBaseUnits(balance),
				TotalSettled:     totalSettled,
				TotalSettledUSDC: types.FromBaseUnits(totalSettled),
				Healthy:          client.CheckHealth(ctx),
			})
		},
	}
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
