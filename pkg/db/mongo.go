package db

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/pkg/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	COLLECTION_INSTRUCTIONS = "settlement_instructions"
	COLLECTION_RESULTS      = "settlement_results"
	COLLECTION_CHECKPOINTS  = "event_checkpoints"
)

type instructionDocument struct {
	ID               string    `bson:"_id"`
	SourceChain      string    `bson:"source_chain"`
	SourceTxHash     string    `bson:"source_tx_hash"`
	DestinationChain string    `bson:"destination_chain"`
	Sender           string    `bson:"sender"`
	Receiver         string    `bson:"receiver"`
	TokenSymbol      string    `bson:"token_symbol"`
	Amount           uint64    `bson:"amount"`
	Nonce            uint64    `bson:"nonce"`
	Timestamp        time.Time `bson:"timestamp"`
	Payload          []byte    `bson:"payload,omitempty"`
	CreatedAt        time.Time `bson:"created_at"`
}

type resultDocument struct {
	InstructionID     string    `bson:"_id"`
	Status            string    `bson:"status"`
	DestinationTxHash *string   `bson:"destination_tx_hash,omitempty"`
	GasUsed           *uint64   `bson:"gas_used,omitempty"`
	ErrorMessage      *string   `bson:"error_message,omitempty"`
	ErrorKind         *string   `bson:"error_kind,omitempty"`
	ProcessedAt       time.Time `bson:"processed_at"`
	RetryCount        uint32    `bson:"retry_count"`
}

type checkpointDocument struct {
	ChainName   string    `bson:"_id"`
	BlockNumber uint64    `bson:"block_number"`
	TxHash      string    `bson:"tx_hash"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// MongoAdapter implements Store on MongoDB. Writes are not transactional: the pending result
// is upserted idempotently after the instruction insert so a retried store repairs a partial write.
type MongoAdapter struct {
	client       *mongo.Client
	instructions *mongo.Collection
	results      *mongo.Collection
	checkpoints  *mongo.Collection
}

var _ Store = (*MongoAdapter)(nil)

func NewMongoAdapter(ctx context.Context, client *mongo.Client, database *mongo.Database) (*MongoAdapter, error) {
	adapter := &MongoAdapter{
		client:       client,
		instructions: database.Collection(COLLECTION_INSTRUCTIONS),
		results:      database.Collection(COLLECTION_RESULTS),
		checkpoints:  database.Collection(COLLECTION_CHECKPOINTS),
	}
	_, err := adapter.instructions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "source_chain", Value: 1}, {Key: "source_tx_hash", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_source_tx"),
		},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return nil, types.DatabaseError("failed to create instruction indexes", err)
	}
	_, err = adapter.results.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "processed_at", Value: 1}}},
		{Keys: bson.D{{Key: "processed_at", Value: -1}}},
	})
	if err != nil {
		return nil, types.DatabaseError("failed to create result indexes", err)
	}
	return adapter, nil
}

func (m *MongoAdapter) StoreInstruction(ctx context.Context, instr *types.SettlementInstruction) (*types.SettlementInstruction, bool, error) {
	created := true
	stored := instr
	_, err := m.instructions.InsertOne(ctx, toInstructionDocument(instr))
	if err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return nil, false, types.DatabaseError("failed to insert instruction", err)
		}
		created = false
		var doc instructionDocument
		filter := bson.M{"$or": bson.A{
			bson.M{"_id": instr.ID},
			bson.M{"source_chain": instr.SourceChain, "source_tx_hash": instr.SourceTxHash},
		}}
		if err := m.instructions.FindOne(ctx, filter).Decode(&doc); err != nil {
			return nil, false, types.DatabaseError("failed to load existing instruction", err)
		}
		stored = doc.toInstruction()
	}
	pending := types.NewPendingResult(stored.ID)
	_, err = m.results.UpdateOne(ctx,
		bson.M{"_id": stored.ID},
		bson.M{"$setOnInsert": bson.M{
			"status":       string(pending.Status),
			"processed_at": pending.ProcessedAt,
			"retry_count":  pending.RetryCount,
		}},
		options.Update().SetUpsert(true))
	if err != nil {
		return nil, false, types.DatabaseError("failed to insert pending result", err)
	}
	return stored, created, nil
}

func (m *MongoAdapter) StoreResult(ctx context.Context, result *types.SettlementResult) error {
	_, err := m.results.ReplaceOne(ctx,
		bson.M{"_id": result.InstructionID},
		toResultDocument(result),
		options.Replace().SetUpsert(true))
	if err != nil {
		return types.DatabaseError("failed to store result", err)
	}
	return nil
}

func (m *MongoAdapter) GetInstruction(ctx context.Context, id string) (*types.SettlementInstruction, error) {
	return m.findInstruction(ctx, bson.M{"_id": id})
}

func (m *MongoAdapter) GetInstructionBySourceTx(ctx context.Context, sourceChain, sourceTxHash string) (*types.SettlementInstruction, error) {
	return m.findInstruction(ctx, bson.M{"source_chain": sourceChain, "source_tx_hash": sourceTxHash})
}

func (m *MongoAdapter) findInstruction(ctx context.Context, filter bson.M) (*types.SettlementInstruction, error) {
	var doc instructionDocument
	if err := m.instructions.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, wrapMongoNotFound(err)
	}
	return doc.toInstruction(), nil
}

func (m *MongoAdapter) GetResult(ctx context.Context, instructionID string) (*types.SettlementResult, error) {
	var doc resultDocument
	if err := m.results.FindOne(ctx, bson.M{"_id": instructionID}).Decode(&doc); err != nil {
		return nil, wrapMongoNotFound(err)
	}
	return doc.toResult(), nil
}

func (m *MongoAdapter) GetPendingInstructions(ctx context.Context) ([]*types.SettlementInstruction, error) {
	statuses := bson.A{}
	for _, status := range RecoverableStatuses {
		statuses = append(statuses, string(status))
	}
	results, err := m.findResults(ctx, bson.M{"status": bson.M{"$in": statuses}}, options.Find())
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	ids := make(bson.A, len(results))
	for i, result := range results {
		ids[i] = result.InstructionID
	}
	cursor, err := m.instructions.Find(ctx, bson.M{"_id": bson.M{"$in": ids}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, types.DatabaseError("failed to find pending instructions", err)
	}
	var docs []instructionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, types.DatabaseError("failed to decode pending instructions", err)
	}
	pending := make([]*types.SettlementInstruction, len(docs))
	for i := range docs {
		pending[i] = docs[i].toInstruction()
	}
	return pending, nil
}

func (m *MongoAdapter) GetInstructionsByStatus(ctx context.Context, status types.SettlementStatus, limit int) ([]types.PendingInstruction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "processed_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	results, err := m.findResults(ctx, bson.M{"status": string(status)}, opts)
	if err != nil {
		return nil, err
	}
	return m.attachInstructions(ctx, results)
}

func (m *MongoAdapter) GetRetryableFailures(ctx context.Context, maxRetryCount uint32, limit int) ([]types.PendingInstruction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "processed_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	filter := bson.M{
		"status":      string(types.SettlementStatusFailed),
		"retry_count": bson.M{"$lt": maxRetryCount},
		"error_kind":  bson.M{"$nin": types.NonRetryableKindNames()},
	}
	results, err := m.findResults(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return m.attachInstructions(ctx, results)
}

func (m *MongoAdapter) GetRecentResults(ctx context.Context, limit int) ([]types.PendingInstruction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "processed_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	results, err := m.findResults(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	return m.attachInstructions(ctx, results)
}

func (m *MongoAdapter) findResults(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]resultDocument, error) {
	cursor, err := m.results.Find(ctx, filter, opts)
	if err != nil {
		return nil, types.DatabaseError("failed to find results", err)
	}
	var docs []resultDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, types.DatabaseError("failed to decode results", err)
	}
	return docs, nil
}

func (m *MongoAdapter) attachInstructions(ctx context.Context, results []resultDocument) ([]types.PendingInstruction, error) {
	if len(results) == 0 {
		return nil, nil
	}
	ids := make(bson.A, len(results))
	for i, result := range results {
		ids[i] = result.InstructionID
	}
	cursor, err := m.instructions.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, types.DatabaseError("failed to find instructions", err)
	}
	var docs []instructionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, types.DatabaseError("failed to decode instructions", err)
	}
	byID := make(map[string]*instructionDocument, len(docs))
	for i := range docs {
		byID[docs[i].ID] = &docs[i]
	}
	pairs := make([]types.PendingInstruction, 0, len(results))
	for i := range results {
		doc, ok := byID[results[i].InstructionID]
		if !ok {
			log.Warn().Str("instructionId", results[i].InstructionID).
				Msg("[MongoAdapter] [attachInstructions] result without instruction")
			continue
		}
		pairs = append(pairs, types.PendingInstruction{Instruction: doc.toInstruction(), Result: results[i].toResult()})
	}
	return pairs, nil
}

func (m *MongoAdapter) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	total, err := m.instructions.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, types.DatabaseError("failed to count instructions", err)
	}
	cursor, err := m.results.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$status"}, {Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	})
	if err != nil {
		return nil, types.DatabaseError("failed to aggregate results", err)
	}
	var counts []struct {
		Status string `bson:"_id"`
		Count  int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &counts); err != nil {
		return nil, types.DatabaseError("failed to decode result counts", err)
	}
	stats := &types.Statistics{TotalInstructions: uint64(total)}
	for _, count := range counts {
		switch types.SettlementStatus(count.Status) {
		case types.SettlementStatusCompleted:
			stats.CompletedSettlements += uint64(count.Count)
		case types.SettlementStatusFailed:
			stats.FailedSettlements += uint64(count.Count)
		default:
			stats.PendingSettlements += uint64(count.Count)
		}
	}
	volumeCursor, err := m.results.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "status", Value: string(types.SettlementStatusCompleted)}}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: COLLECTION_INSTRUCTIONS},
			{Key: "localField", Value: "_id"},
			{Key: "foreignField", Value: "_id"},
			{Key: "as", Value: "instruction"},
		}}},
		{{Key: "$unwind", Value: "$instruction"}},
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: nil}, {Key: "volume", Value: bson.D{{Key: "$sum", Value: "$instruction.amount"}}}}}},
	})
	if err != nil {
		return nil, types.DatabaseError("failed to aggregate volume", err)
	}
	var volumes []struct {
		Volume int64 `bson:"volume"`
	}
	if err := volumeCursor.All(ctx, &volumes); err != nil {
		return nil, types.DatabaseError("failed to decode volume", err)
	}
	if len(volumes) > 0 {
		stats.TotalVolume = uint64(volumes[0].Volume)
	}
	return stats, nil
}

func (m *MongoAdapter) GetCheckpoint(ctx context.Context, chainName string) (uint64, error) {
	var doc checkpointDocument
	if err := m.checkpoints.FindOne(ctx, bson.M{"_id": chainName}).Decode(&doc); err != nil {
		return 0, wrapMongoNotFound(err)
	}
	return doc.BlockNumber, nil
}

func (m *MongoAdapter) SaveCheckpoint(ctx context.Context, chainName string, cursor uint64, lastTxHash string) error {
	doc := checkpointDocument{ChainName: chainName, BlockNumber: cursor, TxHash: lastTxHash, UpdatedAt: time.Now().UTC()}
	_, err := m.checkpoints.ReplaceOne(ctx, bson.M{"_id": chainName}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return types.DatabaseError("failed to save checkpoint", err)
	}
	return nil
}

func (m *MongoAdapter) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoAdapter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func wrapMongoNotFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return types.DatabaseError("query failed", err)
}

func toInstructionDocument(instr *types.SettlementInstruction) instructionDocument {
	return instructionDocument{
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

func (d *instructionDocument) toInstruction() *types.SettlementInstruction {
	return &types.SettlementInstruction{
		ID:               d.ID,
		SourceChain:      d.SourceChain,
		SourceTxHash:     d.SourceTxHash,
		DestinationChain: d.DestinationChain,
		Sender:           d.Sender,
		Receiver:         d.Receiver,
		TokenSymbol:      d.TokenSymbol,
		Amount:           d.Amount,
		Nonce:            d.Nonce,
		Timestamp:        d.Timestamp.UTC(),
		Payload:          d.Payload,
		CreatedAt:        d.CreatedAt.UTC(),
	}
}

func toResultDocument(result *types.SettlementResult) resultDocument {
	return resultDocument{
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

func (d *resultDocument) toResult() *types.SettlementResult {
	return &types.SettlementResult{
		InstructionID:     d.InstructionID,
		Status:            types.SettlementStatus(d.Status),
		DestinationTxHash: d.DestinationTxHash,
		GasUsed:           d.GasUsed,
		ErrorMessage:      d.ErrorMessage,
		ErrorKind:         d.ErrorKind,
		ProcessedAt:       d.ProcessedAt.UTC(),
		RetryCount:        d.RetryCount,
	}
}
