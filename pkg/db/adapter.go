package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/pkg/db/models"
	"github.com/scalarorg/settlement-relayer/pkg/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseAdapter implements Store on top of gorm (Postgres in production, sqlite in tests).
type DatabaseAdapter struct {
	PostgresClient *gorm.DB
}

var _ Store = (*DatabaseAdapter)(nil)

func NewGormAdapter(client *gorm.DB) (*DatabaseAdapter, error) {
	if err := RunMigrations(client); err != nil {
		return nil, err
	}
	return &DatabaseAdapter{PostgresClient: client}, nil
}

func RunMigrations(client *gorm.DB) error {
	if err := client.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (db *DatabaseAdapter) StoreInstruction(ctx context.Context, instr *types.SettlementInstruction) (*types.SettlementInstruction, bool, error) {
	model := models.InstructionToModel(instr)
	created := false
	var stored models.SettlementInstruction
	err := db.PostgresClient.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return tx.Where("id = ? OR (source_chain = ? AND source_tx_hash = ?)",
				instr.ID, instr.SourceChain, instr.SourceTxHash).First(&stored).Error
		}
		created = true
		stored = model
		pending := models.ResultToModel(types.NewPendingResult(instr.ID))
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&pending).Error
	})
	if err != nil {
		return nil, false, types.DatabaseError("failed to store instruction", err)
	}
	if !created {
		log.Debug().Str("sourceTxHash", instr.SourceTxHash).
			Str("storedId", stored.ID).
			Msg("[DatabaseAdapter] [StoreInstruction] instruction already stored")
	}
	return stored.ToInstruction(), created, nil
}

func (db *DatabaseAdapter) StoreResult(ctx context.Context, result *types.SettlementResult) error {
	model := models.ResultToModel(result)
	err := db.PostgresClient.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "instruction_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "destination_tx_hash", "gas_used", "error_message", "error_kind",
			"processed_at", "retry_count", "updated_at",
		}),
	}).Create(&model).Error
	if err != nil {
		return types.DatabaseError("failed to store result", err)
	}
	return nil
}

func (db *DatabaseAdapter) GetInstruction(ctx context.Context, id string) (*types.SettlementInstruction, error) {
	var model models.SettlementInstruction
	if err := db.PostgresClient.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return model.ToInstruction(), nil
}

func (db *DatabaseAdapter) GetInstructionBySourceTx(ctx context.Context, sourceChain, sourceTxHash string) (*types.SettlementInstruction, error) {
	var model models.SettlementInstruction
	err := db.PostgresClient.WithContext(ctx).
		Where("source_chain = ? AND source_tx_hash = ?", sourceChain, sourceTxHash).
		First(&model).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return model.ToInstruction(), nil
}

func (db *DatabaseAdapter) GetResult(ctx context.Context, instructionID string) (*types.SettlementResult, error) {
	var model models.SettlementResult
	if err := db.PostgresClient.WithContext(ctx).Where("instruction_id = ?", instructionID).First(&model).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return model.ToResult(), nil
}

func (db *DatabaseAdapter) GetPendingInstructions(ctx context.Context) ([]*types.SettlementInstruction, error) {
	statuses := make([]string, len(RecoverableStatuses))
	for i, status := range RecoverableStatuses {
		statuses[i] = string(status)
	}
	var instructions []models.SettlementInstruction
	err := db.PostgresClient.WithContext(ctx).
		Joins("JOIN settlement_results ON settlement_results.instruction_id = settlement_instructions.id").
		Where("settlement_results.status IN ?", statuses).
		Order("settlement_instructions.created_at ASC").
		Find(&instructions).Error
	if err != nil {
		return nil, types.DatabaseError("failed to get pending instructions", err)
	}
	pending := make([]*types.SettlementInstruction, len(instructions))
	for i := range instructions {
		pending[i] = instructions[i].ToInstruction()
	}
	return pending, nil
}

func (db *DatabaseAdapter) GetInstructionsByStatus(ctx context.Context, status types.SettlementStatus, limit int) ([]types.PendingInstruction, error) {
	query := db.PostgresClient.WithContext(ctx).Where("status = ?", string(status)).Order("processed_at ASC")
	return db.findWithInstructions(query, limit)
}

func (db *DatabaseAdapter) GetRetryableFailures(ctx context.Context, maxRetryCount uint32, limit int) ([]types.PendingInstruction, error) {
	query := db.PostgresClient.WithContext(ctx).
		Where("status = ? AND retry_count < ?", string(types.SettlementStatusFailed), maxRetryCount).
		Where("(error_kind IS NULL OR error_kind NOT IN ?)", types.NonRetryableKindNames()).
		Order("processed_at ASC")
	return db.findWithInstructions(query, limit)
}

func (db *DatabaseAdapter) GetRecentResults(ctx context.Context, limit int) ([]types.PendingInstruction, error) {
	query := db.PostgresClient.WithContext(ctx).Order("processed_at DESC")
	return db.findWithInstructions(query, limit)
}

func (db *DatabaseAdapter) findWithInstructions(query *gorm.DB, limit int) ([]types.PendingInstruction, error) {
	if limit > 0 {
		query = query.Limit(limit)
	}
	var results []models.SettlementResult
	if err := query.Find(&results).Error; err != nil {
		return nil, types.DatabaseError("failed to get results", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	ids := make([]string, len(results))
	for i, result := range results {
		ids[i] = result.InstructionID
	}
	var instructions []models.SettlementInstruction
	if err := db.PostgresClient.WithContext(query.Statement.Context).Where("id IN ?", ids).Find(&instructions).Error; err != nil {
		return nil, types.DatabaseError("failed to get instructions", err)
	}
	byID := make(map[string]*models.SettlementInstruction, len(instructions))
	for i := range instructions {
		byID[instructions[i].ID] = &instructions[i]
	}
	pairs := make([]types.PendingInstruction, 0, len(results))
	for i := range results {
		instr, ok := byID[results[i].InstructionID]
		if !ok {
			log.Warn().Str("instructionId", results[i].InstructionID).
				Msg("[DatabaseAdapter] [findWithInstructions] result without instruction")
			continue
		}
		pairs = append(pairs, types.PendingInstruction{
			Instruction: instr.ToInstruction(),
			Result:      results[i].ToResult(),
		})
	}
	return pairs, nil
}

type statusCount struct {
	Status string
	Count  uint64
}

func (db *DatabaseAdapter) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	client := db.PostgresClient.WithContext(ctx)
	var total int64
	if err := client.Model(&models.SettlementInstruction{}).Count(&total).Error; err != nil {
		return nil, types.DatabaseError("failed to count instructions", err)
	}
	var counts []statusCount
	err := client.Model(&models.SettlementResult{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, types.DatabaseError("failed to count results", err)
	}
	var volume uint64
	err = client.Model(&models.SettlementInstruction{}).
		Select("CAST(COALESCE(SUM(settlement_instructions.amount), 0) AS BIGINT)").
		Joins("JOIN settlement_results ON settlement_results.instruction_id = settlement_instructions.id").
		Where("settlement_results.status = ?", string(types.SettlementStatusCompleted)).
		Scan(&volume).Error
	if err != nil {
		return nil, types.DatabaseError("failed to sum volume", err)
	}
	stats := &types.Statistics{TotalInstructions: uint64(total), TotalVolume: volume}
	for _, count := range counts {
		switch types.SettlementStatus(count.Status) {
		case types.SettlementStatusCompleted:
			stats.CompletedSettlements += count.Count
		case types.SettlementStatusFailed:
			stats.FailedSettlements += count.Count
		default:
			stats.PendingSettlements += count.Count
		}
	}
	return stats, nil
}

func (db *DatabaseAdapter) GetCheckpoint(ctx context.Context, chainName string) (uint64, error) {
	var checkpoint models.EventCheckPoint
	err := db.PostgresClient.WithContext(ctx).
		Where("chain_name = ? AND event_name = ?", chainName, CHECKPOINT_EVENT_NAME).
		First(&checkpoint).Error
	if err != nil {
		return 0, wrapNotFound(err)
	}
	return checkpoint.BlockNumber, nil
}

func (db *DatabaseAdapter) SaveCheckpoint(ctx context.Context, chainName string, cursor uint64, lastTxHash string) error {
	value := models.EventCheckPoint{
		ChainName:   chainName,
		EventName:   CHECKPOINT_EVENT_NAME,
		BlockNumber: cursor,
		TxHash:      lastTxHash,
	}
	result := db.PostgresClient.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "chain_name"}, {Name: "event_name"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"block_number": value.BlockNumber,
				"tx_hash":      value.TxHash,
			}),
		},
	).Create(&value)
	if result.Error != nil {
		return fmt.Errorf("failed to update last event check point: %w", result.Error)
	}
	return nil
}

func (db *DatabaseAdapter) Ping(ctx context.Context) error {
	sqlDB, err := db.PostgresClient.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (db *DatabaseAdapter) Close() error {
	sqlDB, err := db.PostgresClient.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return types.DatabaseError("query failed", err)
}
