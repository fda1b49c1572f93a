package models

import (
	"github.com/scalarorg/settlement-relayer/pkg/types"
)

func InstructionToModel(instr *types.SettlementInstruction) SettlementInstruction {
	return SettlementInstruction{
		ID:               instr.ID,
		SourceChain:      instr.SourceChain,
		SourceTxHash:     instr.SourceTxHash,
		DestinationChain: instr.DestinationChain,
		Sender:           instr.Sender,
		Receiver:         instr.Receiver,
		TokenSymbol:      instr.TokenSymbol,
		Amount:           instr.Amount,
		Nonce:            instr.Nonce,
		Timestamp:        instr.Timestamp.UTC(),
		Payload:          instr.Payload,
		CreatedAt:        instr.CreatedAt.UTC(),
	}
}

func (m *SettlementInstruction) ToInstruction() *types.SettlementInstruction {
	return &types.SettlementInstruction{
		ID:               m.ID,
		SourceChain:      m.SourceChain,
		SourceTxHash:     m.SourceTxHash,
		DestinationChain: m.DestinationChain,
		Sender:           m.Sender,
		Receiver:         m.Receiver,
		TokenSymbol:      m.TokenSymbol,
		Amount:           m.Amount,
		Nonce:            m.Nonce,
		Timestamp:        m.Timestamp.UTC(),
		Payload:          m.Payload,
		CreatedAt:        m.CreatedAt.UTC(),
	}
}

func ResultToModel(result *types.SettlementResult) SettlementResult {
	return SettlementResult{
		InstructionID:     result.InstructionID,
		Status:            string(result.Status),
		DestinationTxHash: result.DestinationTxHash,
		GasUsed:           result.GasUsed,
		ErrorMessage:      result.ErrorMessage,
		ErrorKind:         result.ErrorKind,
		ProcessedAt:       result.ProcessedAt.UTC(),
		RetryCount:        result.RetryCount,
	}
}

func (m *SettlementResult) ToResult() *types.SettlementResult {
	return &types.SettlementResult{
		InstructionID:     m.InstructionID,
		Status:            types.SettlementStatus(m.Status),
		DestinationTxHash: m.DestinationTxHash,
		GasUsed:           m.GasUsed,
		ErrorMessage:      m.ErrorMessage,
		ErrorKind:         m.ErrorKind,
		ProcessedAt:       m.ProcessedAt.UTC(),
		RetryCount:        m.RetryCount,
	}
}
