// Package gateway issues delete requests against the remote store.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"ephemera/internal/model"
	"ephemera/internal/storage"
)

// ErrTransient marks ids whose delete did not go through and may be retried.
var ErrTransient = errors.New("transient delete failure")

// Deleter is the slice of the remote store the gateway needs.
type Deleter interface {
	DeleteItems(ctx context.Context, caller string, ids []string, scope model.Scope) (map[string]error, error)
}

// Outcome is the result of deleting one id. Err is nil on success,
// including when the item was already gone.
type Outcome struct {
	ID  string
	Err error
}

// Options tunes request pacing.
type Options struct {
	RPS     float64
	Batch   int
	Timeout time.Duration
}

// Gateway wraps a Deleter with batching, rate limiting and per-request
// timeouts. It is safe for concurrent use.
type Gateway struct {
	store   Deleter
	limiter *rate.Limiter
	batch   int
	timeout time.Duration
	tracer  trace.Tracer
	log     *slog.Logger
}

// New creates a Gateway. A non-positive RPS disables rate limiting.
func New(store Deleter, opts Options, log *slog.Logger) *Gateway {
	limit := rate.Inf
	burst := 1
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
		burst = max(1, int(opts.RPS))
	}
	batch := opts.Batch
	if batch <= 0 {
		batch = 50
	}
	return &Gateway{
		store:   store,
		limiter: rate.NewLimiter(limit, burst),
		batch:   batch,
		timeout: opts.Timeout,
		tracer:  otel.Tracer("ephemera/gateway"),
		log:     log,
	}
}

// Delete removes ids on behalf of caller and returns one outcome per id,
// in input order. A failed request only fails the ids it carried.
func (g *Gateway) Delete(ctx context.Context, caller string, ids []string, scope model.Scope) []Outcome {
	out := make([]Outcome, 0, len(ids))
	for start := 0; start < len(ids); start += g.batch {
		chunk := ids[start:min(start+g.batch, len(ids))]
		out = append(out, g.deleteChunk(ctx, caller, chunk, scope)...)
	}
	return out
}

func (g *Gateway) deleteChunk(ctx context.Context, caller string, ids []string, scope model.Scope) []Outcome {
	ctx, span := g.tracer.Start(ctx, "gateway.Delete", trace.WithAttributes(
		attribute.String("ephemera.scope", string(scope)),
		attribute.Int("ephemera.batch_size", len(ids)),
	))
	defer span.End()

	out := make([]Outcome, len(ids))
	fail := func(err error) []Outcome {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		for i, id := range ids {
			out[i] = Outcome{ID: id, Err: fmt.Errorf("%w: %w", ErrTransient, err)}
		}
		return out
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return fail(fmt.Errorf("wait for rate limit: %w", err))
	}

	reqCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	results, err := g.store.DeleteItems(reqCtx, caller, ids, scope)
	if err != nil {
		g.log.Warn("delete request failed", "ids", len(ids), "scope", scope, "error", err)
		return fail(err)
	}

	var failed int
	for i, id := range ids {
		err, ok := results[id]
		switch {
		case !ok:
			err = fmt.Errorf("%w: no result for item", ErrTransient)
		case errors.Is(err, storage.ErrNotFound):
			err = nil
		case err != nil:
			err = fmt.Errorf("%w: %w", ErrTransient, err)
		}
		if err != nil {
			failed++
		}
		out[i] = Outcome{ID: id, Err: err}
	}
	span.SetAttributes(attribute.Int("ephemera.failed", failed))
	if failed > 0 {
		span.SetStatus(codes.Error, "partial failure")
	}
	return out
}
