package votesettled

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"votesettle/services/votesettled/store"
)

// fail reverts every batch this request committed, clears the optimistic delta
// and publishes the terminal failure. The ledger payments are not reversed.
func (e *Engine) fail(ctx context.Context, r *run, cause error, logger *slog.Logger) (Result, error) {
	ctx = context.WithoutCancel(ctx)

	var batchErr *BatchError
	failedIndex := len(r.queue)
	if errors.As(cause, &batchErr) {
		failedIndex = batchErr.Index
	}
	var outstanding int64
	for i := failedIndex - 1; i >= 0 && i < len(r.queue); i++ {
		outstanding += r.queue[i].Weight()
	}
	e.overlay.Reduce(r.input.SessionID, r.input.SpeciesID, outstanding)

	reason := Reason(cause)
	revertErr := e.revertCommitted(ctx, r.committed, reason, func(weight int64) {
		e.overlay.Reduce(r.input.SessionID, r.input.SpeciesID, weight)
	})

	fresh, err := e.store.ReadAggregate(ctx, r.input.SpeciesID)
	if err != nil {
		logger.Error("refresh aggregate failed", slog.Any("error", err))
		fresh = r.base
	}
	e.overlay.RollBack(r.input.SessionID, r.input.SpeciesID, fresh)

	if revertErr != nil {
		// Leave the journal entry pending so Recover retries the revert.
		logger.Error("rollback incomplete", slog.Any("error", revertErr))
	} else if err := e.journal.Finish(r.id, JournalRolledBack, reason); err != nil {
		logger.Error("journal finish failed", slog.Any("error", err))
	}

	e.mu.Lock()
	e.failed++
	e.mu.Unlock()

	ev := Event{
		Kind:         EventFailed,
		TotalBatches: len(r.queue),
		Status:       BatchFailed.String(),
		Reason:       reason,
		Message:      UserMessage(cause),
	}
	if batchErr != nil {
		ev.BatchIndex = batchErr.Index
		ev.TotalBatches = batchErr.Total
		ev.RequiresSupport = batchErr.RequiresSupport()
	}
	e.publish(r, ev)
	e.metrics.ObserveRequest(reason, e.now().Sub(r.start))

	attrs := []any{
		slog.String("reason", reason),
		slog.Int("batch_index", ev.BatchIndex),
		slog.Int("committed_batches", len(r.committed)),
		slog.Any("error", cause),
	}
	if ev.RequiresSupport {
		logger.Error("vote request failed after payment; support required", attrs...)
	} else {
		logger.Warn("vote request rolled back", attrs...)
	}

	result := Result{
		RequestID:   r.id,
		SpeciesID:   r.input.SpeciesID,
		TotalWeight: r.plan.TotalWeight,
		Batches:     len(r.queue),
		Ambiguous:   r.ambiguous,
	}
	if revertErr != nil {
		return result, errors.Join(cause, fmt.Errorf("votesettle: rollback: %w", revertErr))
	}
	return result, cause
}

// revertCommitted removes the aggregate credit of committed batches, newest first.
func (e *Engine) revertCommitted(ctx context.Context, committed []committedBatch, reason string, onReverted func(int64)) error {
	var errs []error
	for i := len(committed) - 1; i >= 0; i-- {
		batch := committed[i]
		weight, err := e.store.RevertSettlement(ctx, batch.ref)
		if err != nil {
			if errors.Is(err, store.ErrSettlementNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("revert %s: %w", batch.ref, err))
			continue
		}
		e.metrics.AddRolledBackWeight(reason, weight)
		if onReverted != nil {
			onReverted(batch.weight)
		}
	}
	return errors.Join(errs...)
}

// Recover rolls back requests a previous process left in flight, reverting the
// batches they had committed. It returns the number of requests recovered.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.journal == nil {
		return 0, nil
	}
	if e.store == nil {
		return 0, fmt.Errorf("votesettle: store not configured")
	}
	pending, err := e.journal.Pending()
	if err != nil {
		return 0, err
	}
	recovered := 0
	var errs []error
	for _, entry := range pending {
		committed, err := e.recoverableBatches(ctx, entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("request %s: %w", entry.RequestID, err))
			continue
		}
		if err := e.revertCommitted(ctx, committed, "recovered", nil); err != nil {
			errs = append(errs, fmt.Errorf("request %s: %w", entry.RequestID, err))
			continue
		}
		if err := e.journal.Finish(entry.RequestID, JournalRolledBack, "recovered"); err != nil {
			errs = append(errs, err)
			continue
		}
		recovered++
		e.logger.Warn("recovered interrupted vote request",
			slog.String("request_id", entry.RequestID),
			slog.String("species", entry.SpeciesID),
			slog.Int("committed_batches", len(committed)))
	}
	return recovered, errors.Join(errs...)
}

// recoverableBatches merges the journaled refs of an entry with every
// unreverted settlement the store holds for the request. A batch may have
// settled without its journal commit landing.
func (e *Engine) recoverableBatches(ctx context.Context, entry JournalEntry) ([]committedBatch, error) {
	settled, err := e.store.SettlementsForRequest(ctx, entry.RequestID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(settled)+len(entry.Committed))
	committed := make([]committedBatch, 0, len(settled)+len(entry.Committed))
	for _, ref := range entry.Committed {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		committed = append(committed, committedBatch{ref: ref})
	}
	for _, settlement := range settled {
		if _, ok := seen[settlement.PaymentRef]; ok {
			continue
		}
		seen[settlement.PaymentRef] = struct{}{}
		committed = append(committed, committedBatch{ref: settlement.PaymentRef, weight: settlement.Weight})
	}
	return committed, nil
}
