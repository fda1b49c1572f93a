package solana

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/pkg/chains"
	"github.com/scalarorg/settlement-relayer/pkg/db"
)

// StartEventListener polls the program until ctx is cancelled. Transient failures are retried forever.
func (c *SolanaClient) StartEventListener(ctx context.Context, sink chains.InstructionSink) error {
	cursor, err := c.initialCursor(ctx)
	if err != nil {
		return err
	}
	log.Info().Uint64("cursor", cursor).Str("program", c.config.ProgramID).
		Msg("[SolanaClient] [StartEventListener] listening for settlement events")

	failureBackoff := backoff.NewExponentialBackOff()
	failureBackoff.InitialInterval = c.failureBackoff
	failureBackoff.MaxElapsedTime = 0
	failures := 0

	ticker := time.NewTicker(c.config.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Uint64("cursor", cursor).Msg("[SolanaClient] [StartEventListener] stopped")
			return ctx.Err()
		case <-ticker.C:
		}
		next, err := c.poll(ctx, cursor, sink)
		if err == nil {
			cursor = next
			failures = 0
			failureBackoff.Reset()
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures++
		wait := failureBackoff.NextBackOff()
		if failures >= MAX_CONSECUTIVE_FAILURES {
			wait = c.failureCooldown
			failures = 0
			failureBackoff.Reset()
			log.Error().Err(err).Dur("cooldown", wait).
				Msg("[SolanaClient] [StartEventListener] too many consecutive failures, cooling down")
		} else {
			log.Warn().Err(err).Int("failures", failures).Dur("backoff", wait).
				Msg("[SolanaClient] [StartEventListener] poll failed")
		}
		if !sleepContext(ctx, wait) {
			return ctx.Err()
		}
	}
}

// poll processes one tick and returns the new cursor. The cursor only moves when every transaction was
// fetched and accepted by the sink.
func (c *SolanaClient) poll(ctx context.Context, cursor uint64, sink chains.InstructionSink) (next uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("[SolanaClient] [poll] recovered from panic")
			next, err = cursor, fmt.Errorf("panic during poll: %v", r)
		}
	}()
	tip, err := c.GetLatestCursor(ctx)
	if err != nil {
		return cursor, err
	}
	if tip <= cursor {
		return cursor, nil
	}
	instructions, lastSignature, scanErr := c.scanRange(ctx, cursor, tip)
	for _, instr := range instructions {
		log.Info().Str("signature", instr.SourceTxHash).Str("receiver", instr.Receiver).Uint64("amount", instr.Amount).
			Msg("[SolanaClient] [poll] settlement event detected")
		if err := sink.Accept(ctx, instr); err != nil {
			return cursor, fmt.Errorf("failed to hand off %s: %w", instr.SourceTxHash, err)
		}
	}
	if scanErr != nil {
		return cursor, scanErr
	}
	if c.checkpoints != nil {
		if err := c.checkpoints.SaveCheckpoint(ctx, c.Name(), tip, lastSignature); err != nil {
			log.Warn().Err(err).Uint64("cursor", tip).Msg("[SolanaClient] [poll] failed to persist checkpoint")
		}
	}
	log.Debug().Uint64("from", cursor).Uint64("to", tip).Int("events", len(instructions)).
		Msg("[SolanaClient] [poll] advanced cursor")
	return tip, nil
}

// initialCursor resumes from the persisted checkpoint, else starts lookback_slots behind the tip.
func (c *SolanaClient) initialCursor(ctx context.Context) (uint64, error) {
	if c.checkpoints != nil {
		cursor, err := c.checkpoints.GetCheckpoint(ctx, c.Name())
		if err == nil {
			return cursor, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			log.Warn().Err(err).Msg("[SolanaClient] [initialCursor] failed to load checkpoint, starting from tip")
		}
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.failureBackoff
	retry.MaxElapsedTime = 0
	tip, err := backoff.RetryNotifyWithData(func() (uint64, error) {
		return c.GetLatestCursor(ctx)
	}, backoff.WithContext(retry, ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("backoff", wait).Msg("[SolanaClient] [initialCursor] failed to get tip")
	})
	if err != nil {
		return 0, err
	}
	return saturatingSub(tip, c.config.LookbackSlots), nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
