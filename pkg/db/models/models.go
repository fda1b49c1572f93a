package models

import (
	"time"

	"gorm.io/gorm"
)

// Store last processed cursor (slot) per source chain
type EventCheckPoint struct {
	gorm.Model
	ChainName   string `gorm:"uniqueIndex:idx_chain_event;type:varchar(255)"`
	EventName   string `gorm:"uniqueIndex:idx_chain_event;type:varchar(255)"`
	BlockNumber uint64 `gorm:"type:bigint"`
	TxHash      string `gorm:"type:varchar(255)"`
}

// (source_chain, source_tx_hash) is unique for the lifetime of the system
type SettlementInstruction struct {
	ID               string    `gorm:"primaryKey;type:varchar(64)"`
	SourceChain      string    `gorm:"uniqueIndex:idx_source_tx;type:varchar(64)"`
	SourceTxHash     string    `gorm:"uniqueIndex:idx_source_tx;type:varchar(255)"`
	DestinationChain string    `gorm:"type:varchar(64)"`
	Sender           string    `gorm:"type:varchar(255)"`
	Receiver         string    `gorm:"type:varchar(255)"`
	TokenSymbol      string    `gorm:"type:varchar(32)"`
	Amount           uint64    `gorm:"type:bigint"`
	Nonce            uint64    `gorm:"type:bigint"`
	Timestamp        time.Time `gorm:"type:timestamp(6)"`
	Payload          []byte
	CreatedAt        time.Time `gorm:"type:timestamp(6);index"`
}

// Latest result per instruction
type SettlementResult struct {
	InstructionID     string    `gorm:"primaryKey;type:varchar(64)"`
	Status            string    `gorm:"type:varchar(32);index"`
	DestinationTxHash *string   `gorm:"type:varchar(255)"`
	GasUsed           *uint64   `gorm:"type:bigint"`
	ErrorMessage      *string   `gorm:"type:text"`
	ErrorKind         *string   `gorm:"type:varchar(64)"`
	ProcessedAt       time.Time `gorm:"type:timestamp(6);index"`
	RetryCount        uint32
	UpdatedAt         time.Time `gorm:"type:timestamp(6)"`
}

func AllModels() []any {
	return []any{
		&EventCheckPoint{},
		&SettlementInstruction{},
		&SettlementResult{},
	}
}
