package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"offsync/internal/metrics"
	"offsync/internal/models"
	"offsync/internal/transport"
)

// BatchAdapter is optionally implemented by transports that can carry a whole
// claimed set in a single network call.
type BatchAdapter interface {
	DispatchBatch(ctx context.Context, ops []models.Operation) ([]transport.Outcome, error)
}

// dispatch sends every claimed operation to the transport and returns one
// outcome per operation, index-aligned with ops. It never returns fewer
// outcomes than operations: anything that could not be sent gets a transient
// failure outcome so reconciliation accounts for it.
func (w *Worker) dispatch(ctx context.Context, ops []models.Operation) []transport.Outcome {
	if w.cfg.BatchedMode {
		if ba, ok := w.transport.(BatchAdapter); ok {
			return w.dispatchBatched(ctx, ba, ops)
		}
	}
	return w.dispatchPool(ctx, ops)
}

// dispatchBatched sends the whole set in one call. A transport failure or a
// malformed response falls back to per-item transient outcomes.
func (w *Worker) dispatchBatched(ctx context.Context, ba BatchAdapter, ops []models.Operation) []transport.Outcome {
	outcomes, err := ba.DispatchBatch(ctx, ops)
	if err == nil && len(outcomes) == len(ops) {
		return outcomes
	}

	msg := "batched dispatch returned a short response"
	if err != nil {
		msg = fmt.Sprintf("batched dispatch failed: %v", err)
	}
	w.logger.Warn().Int("batch", len(ops)).Msg(msg)

	fallback := make([]transport.Outcome, len(ops))
	for i := range fallback {
		fallback[i] = transport.Outcome{Result: transport.ResultTransient, Message: msg}
	}
	return fallback
}

// dispatchPool fans the batch out over a fixed-size pool. Slots are granted
// in batch order, so items queued beyond the bound are served FIFO; the pool
// delays, it never rejects.
func (w *Worker) dispatchPool(ctx context.Context, ops []models.Operation) []transport.Outcome {
	outcomes := make([]transport.Outcome, len(ops))
	slots := make(chan struct{}, w.cfg.PoolSize)
	var wg sync.WaitGroup

	for i := range ops {
		slots <- struct{}{}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-slots }()
			outcomes[idx] = w.dispatchOne(ctx, &ops[idx])
		}(i)
	}

	wg.Wait()
	return outcomes
}

// dispatchOne sends a single operation, honoring the rate limiter and the
// per-request timeout. Transport-level errors map to transient outcomes.
func (w *Worker) dispatchOne(ctx context.Context, op *models.Operation) transport.Outcome {
	if err := ctx.Err(); err != nil {
		return transport.Outcome{Result: transport.ResultTransient, Message: fmt.Sprintf("cycle aborted: %v", err)}
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return transport.Outcome{Result: transport.ResultTransient, Message: fmt.Sprintf("cycle aborted: %v", err)}
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	started := time.Now()
	var out transport.Outcome
	var err error
	switch op.Kind {
	case models.KindCreate:
		out, err = w.transport.Create(reqCtx, op.EntityTable, op.EntityID, op.Payload)
	case models.KindUpdate:
		out, err = w.transport.Update(reqCtx, op.EntityTable, op.EntityID, op.Payload)
	case models.KindDelete:
		out, err = w.transport.Delete(reqCtx, op.EntityTable, op.EntityID, op.Payload)
	default:
		return transport.Outcome{Result: transport.ResultNonRetryable, Message: fmt.Sprintf("unknown operation kind %q", op.Kind)}
	}
	metrics.ObserveDispatch(time.Since(started))

	if err != nil {
		return transport.Outcome{Result: transport.ResultTransient, Message: err.Error()}
	}
	return out
}
