package solana

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/pkg/types"
)

var ErrNoSettlementEvent = errors.New("no settlement event in transaction logs")

// ParseSettlementLogs returns the first well formed settlement payload found in the log lines.
// Malformed payloads are logged and skipped.
func ParseSettlementLogs(signature string, logs []string) (*SettlementEventPayload, []byte, error) {
	var found *SettlementEventPayload
	var raw []byte
	for _, line := range logs {
		idx := strings.Index(line, SETTLEMENT_EVENT_MARKER)
		if idx < 0 {
			continue
		}
		data := strings.TrimSpace(line[idx+len(SETTLEMENT_EVENT_MARKER):])
		payload, err := decodePayload(data)
		if err != nil {
			log.Warn().Err(err).Str("signature", signature).Str("payload", data).
				Msg("[SolanaClient] [ParseSettlementLogs] skipping malformed settlement event")
			continue
		}
		if found != nil {
			log.Warn().Str("signature", signature).
				Msg("[SolanaClient] [ParseSettlementLogs] multiple settlement events in one transaction, keeping the first")
			break
		}
		found, raw = payload, []byte(data)
	}
	if found == nil {
		return nil, nil, ErrNoSettlementEvent
	}
	return found, raw, nil
}

func decodePayload(data string) (*SettlementEventPayload, error) {
	var payload SettlementEventPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, types.SerializationError("invalid settlement event json", err)
	}
	if payload.GetRecipient() == "" {
		return nil, types.InvalidInstruction(types.ErrEmptyReceiver)
	}
	if payload.Amount == 0 {
		return nil, types.InvalidInstruction(types.ErrZeroAmount)
	}
	return &payload, nil
}

// BuildInstruction turns a parsed event into a settlement instruction.
// blockTime takes precedence over the payload timestamp when present.
func BuildInstruction(signature string, programID string, destinationChain string,
	payload *SettlementEventPayload, raw []byte, blockTime *time.Time) *types.SettlementInstruction {
	instr := types.NewSettlementInstruction(types.CHAIN_SOLANA, signature, destinationChain,
		programID, payload.GetRecipient(), payload.Amount, payload.Nonce)
	switch {
	case blockTime != nil:
		instr.Timestamp = blockTime.UTC()
	case payload.Timestamp > 0:
		instr.Timestamp = time.Unix(payload.Timestamp, 0).UTC()
	}
	instr.Payload = raw
	return instr
}
