package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/pkg/events"
	"github.com/scalarorg/settlement-relayer/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errFinished reports that another pass already brought the instruction to a terminal state.
var errFinished = errors.New("settlement already finished")

// ProcessInstruction persists the instruction when new and settles it through the gate unless it
// already finished. A duplicate of a completed or in-flight settlement gets a Failed result with an
// AlreadyProcessed error; the completed record is left untouched. Once admitted, the submission is
// detached from ctx so a caller going away cannot abort it mid-flight.
func (o *Orchestrator) ProcessInstruction(ctx context.Context, instr *types.SettlementInstruction) (*types.SettlementResult, error) {
	if o.stopping.Load() {
		return nil, ErrShuttingDown
	}
	if err := instr.Validate(); err != nil {
		return o.reject(ctx, instr, err), err
	}
	stored, current, err := o.ingest(ctx, instr)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return o.duplicateOf(instr, current)
	}
	if err := o.gate.Acquire(ctx, 1); err != nil {
		o.queue.Push(stored)
		return current, types.TimeoutError("settlement queued, admission wait cancelled", err)
	}
	defer o.gate.Release(1)
	if o.stopping.Load() {
		// persisted as pending, recovered on the next start
		return nil, ErrShuttingDown
	}

	workCtx := context.WithoutCancel(ctx)
	result, err := o.process(workCtx, stored, current.RetryCount)
	switch {
	case errors.Is(err, errFinished):
		return o.duplicateOf(instr, result)
	case result == nil:
		result = types.NewFailedResult(instr.ID, err)
	}
	o.RefreshMetrics(workCtx)
	return result, err
}

// Accept makes a discovered instruction durable as Pending, then queues it. Invalid instructions are
// persisted as Failed and never queued.
func (o *Orchestrator) Accept(ctx context.Context, instr *types.SettlementInstruction) error {
	if err := instr.Validate(); err != nil {
		o.reject(ctx, instr, err)
		return nil
	}
	err := o.withStoreRetry(ctx, "StoreInstruction", func() error {
		_, _, err := o.store.StoreInstruction(ctx, instr)
		return err
	})
	if err != nil {
		return types.DatabaseError("failed to persist instruction", err)
	}
	o.queue.Push(instr)
	return nil
}

// reject records a Failed result for an instruction that can never settle.
func (o *Orchestrator) reject(ctx context.Context, instr *types.SettlementInstruction, err error) *types.SettlementResult {
	result := types.NewFailedResult(instr.ID, err)
	if _, created, storeErr := o.store.StoreInstruction(ctx, instr); storeErr == nil && created {
		o.finish(ctx, instr, result, 0)
	}
	log.Warn().Err(err).Str("instructionId", instr.ID).Str("sourceTxHash", instr.SourceTxHash).
		Msg("[Orchestrator] [reject] rejected invalid instruction")
	return result
}

// duplicateOf answers a submission whose source key already reached a terminal state.
func (o *Orchestrator) duplicateOf(instr *types.SettlementInstruction, current *types.SettlementResult) (*types.SettlementResult, error) {
	if current.Status != types.SettlementStatusCompleted {
		return current, current.Err()
	}
	err := types.AlreadyProcessed(instr.SourceTxHash)
	log.Info().Str("instructionId", instr.ID).Str("sourceTxHash", instr.SourceTxHash).
		Msg("[Orchestrator] [duplicateOf] settlement already completed")
	return types.NewFailedResult(instr.ID, err), err
}

// ingest stores the instruction (idempotent on the source key) and returns the stored copy with its latest result.
func (o *Orchestrator) ingest(ctx context.Context, instr *types.SettlementInstruction) (*types.SettlementInstruction, *types.SettlementResult, error) {
	var stored *types.SettlementInstruction
	var created bool
	err := o.withStoreRetry(ctx, "StoreInstruction", func() error {
		var err error
		stored, created, err = o.store.StoreInstruction(ctx, instr)
		return err
	})
	if err != nil {
		return nil, nil, types.DatabaseError("failed to persist instruction", err)
	}
	if created {
		return stored, types.NewPendingResult(stored.ID), nil
	}
	result, err := o.store.GetResult(ctx, stored.ID)
	if err != nil {
		return nil, nil, types.DatabaseError("failed to load instruction result", err)
	}
	return stored, result, nil
}

// process runs one settlement pass. baseRetryCount carries retries spent by earlier passes.
// A pass finding the instruction in flight returns a nil result; one finding it finished returns
// the stored result with errFinished.
func (o *Orchestrator) process(ctx context.Context, instr *types.SettlementInstruction, baseRetryCount uint32) (*types.SettlementResult, error) {
	key := instr.SourceKey()
	if _, loaded := o.inFlight.LoadOrStore(key, struct{}{}); loaded {
		return nil, types.NewError(types.ErrKindAlreadyProcessed, fmt.Sprintf("settlement %s is in flight", instr.SourceTxHash), nil)
	}
	defer o.inFlight.Delete(key)
	// a duplicate queued before the first copy finished
	if current, err := o.store.GetResult(ctx, instr.ID); err == nil && current.Status.IsTerminal() {
		return current, errFinished
	}

	ctx, span := o.tracer.Start(ctx, "settlement.process", trace.WithAttributes(
		attribute.String("instruction.id", instr.ID),
		attribute.String("source.chain", instr.SourceChain),
		attribute.String("source.tx_hash", instr.SourceTxHash),
		attribute.Int64("amount", int64(instr.Amount)),
	))
	defer span.End()

	start := time.Now()
	if err := o.store.StoreResult(ctx, types.NewStatusResult(instr.ID, types.SettlementStatusProcessing, baseRetryCount)); err != nil {
		log.Warn().Err(err).Str("instructionId", instr.ID).Msg("[Orchestrator] [process] failed to mark instruction processing")
	}
	log.Info().Str("instructionId", instr.ID).Str("sourceTxHash", instr.SourceTxHash).Str("receiver", instr.Receiver).
		Str("amount", instr.AmountDecimal().String()).Msg("[Orchestrator] [process] settling instruction")

	result, retries, err := o.submitWithRetry(ctx, instr)
	result.RetryCount = baseRetryCount + retries
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Str("instructionId", instr.ID).Str("kind", types.KindOf(err).String()).
			Uint32("retryCount", result.RetryCount).Msg("[Orchestrator] [process] settlement failed")
	} else if result.DestinationTxHash != nil {
		log.Info().Str("instructionId", instr.ID).Str("txHash", *result.DestinationTxHash).
			Uint32("retryCount", result.RetryCount).Msg("[Orchestrator] [process] settlement completed")
	}
	o.finish(ctx, instr, result, time.Since(start))
	return result, err
}

// submitWithRetry retries retryable failures with exponential backoff, at most retry_attempts times
// and within settlement_timeout. It always returns a result.
func (o *Orchestrator) submitWithRetry(ctx context.Context, instr *types.SettlementInstruction) (*types.SettlementResult, uint32, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.SettlementTimeout)
	defer cancel()

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = o.config.RetryDelay
	exponential.MaxElapsedTime = o.config.SettlementTimeout
	policy := backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(o.config.RetryAttempts)), ctx)
	attemptTimeout := o.config.EffectiveAttemptTimeout(o.txTimeout)

	attempts := uint32(0)
	var lastResult *types.SettlementResult
	var lastErr error
	operation := func() (*types.SettlementResult, error) {
		attempts++
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, attemptTimeout)
		defer cancelAttempt()
		attemptCtx, span := o.tracer.Start(attemptCtx, "settlement.attempt",
			trace.WithAttributes(attribute.Int("attempt", int(attempts))))
		defer span.End()

		result, err := o.destination.SubmitSettlement(attemptCtx, instr)
		if err == nil && result != nil && result.Status == types.SettlementStatusCompleted {
			return result, nil
		}
		if err == nil {
			err = types.ChainError("destination did not complete the settlement", nil)
		} else if errors.Is(err, context.DeadlineExceeded) && types.KindOf(err) == types.ErrKindUnknown {
			err = types.TimeoutError(fmt.Sprintf("attempt exceeded %s", attemptTimeout), err)
		}
		span.RecordError(err)
		lastResult, lastErr = result, err
		if !types.IsRetryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("instructionId", instr.ID).Uint32("attempt", attempts).Dur("backoff", wait).
			Msg("[Orchestrator] [submitWithRetry] attempt failed, retrying")
	}

	result, err := backoff.RetryNotifyWithData(operation, policy, notify)
	retries := uint32(0)
	if attempts > 0 {
		retries = attempts - 1
	}
	if err == nil {
		return result, retries, nil
	}
	if lastErr != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = lastErr
	}
	if types.KindOf(err) == types.ErrKindUnknown && errors.Is(err, context.DeadlineExceeded) {
		err = types.TimeoutError(fmt.Sprintf("settlement not completed within %s", o.config.SettlementTimeout), err)
	}
	failed := types.NewFailedResult(instr.ID, err)
	if lastResult != nil {
		failed.DestinationTxHash = lastResult.DestinationTxHash
		failed.GasUsed = lastResult.GasUsed
	}
	return failed, retries, err
}

// finish persists the final result and publishes it on the event bus.
func (o *Orchestrator) finish(ctx context.Context, instr *types.SettlementInstruction, result *types.SettlementResult, duration time.Duration) {
	err := o.withStoreRetry(ctx, "StoreResult", func() error {
		return o.store.StoreResult(ctx, result)
	})
	if err != nil {
		log.Error().Err(err).Str("instructionId", instr.ID).Str("status", string(result.Status)).
			Msg("[Orchestrator] [finish] failed to persist settlement result")
	}
	o.eventBus.BroadcastEvent(&events.ResultEvent{
		Topic:       events.TopicForStatus(result.Status),
		Instruction: instr,
		Result:      result,
		Duration:    duration,
	})
}

// withStoreRetry retries a store operation store_retry_attempts times with exponential backoff.
func (o *Orchestrator) withStoreRetry(ctx context.Context, operation string, fn func() error) error {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = o.storeRetryInterval
	exponential.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(o.config.StoreRetryAttempts)), ctx)
	return backoff.RetryNotify(fn, policy, func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("operation", operation).Dur("backoff", wait).
			Msg("[Orchestrator] [withStoreRetry] store operation failed, retrying")
	})
}
