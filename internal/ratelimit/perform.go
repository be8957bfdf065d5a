package ratelimit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Perform runs work for identity only if the request is admitted.
//
// The slot is recorded before work starts and is not refunded when work fails:
// its error comes back untouched next to admitted=true. A rejected call never
// invokes work. work runs on the caller's goroutine, outside any limiter lock.
func Perform[T any](ctx context.Context, l *Limiter, identity string, work func(context.Context) (T, error)) (bool, T, error) {
	d, res, err := PerformDecision(ctx, l, identity, work)
	return d.Admitted, res, err
}

// PerformDecision is Perform but returns the full admission Decision, for
// callers that want to surface Retry-After or remaining budget.
func PerformDecision[T any](ctx context.Context, l *Limiter, identity string, work func(context.Context) (T, error)) (Decision, T, error) {
	var zero T

	ctx, span := otel.Tracer("linnemanlabs/ratelimit").Start(ctx, "ratelimit.perform")
	defer span.End()

	d := l.Decide(identity)
	span.SetAttributes(
		attribute.Bool("ratelimit.admitted", d.Admitted),
		attribute.Bool("ratelimit.open", d.Open),
	)
	if !d.Admitted {
		span.SetAttributes(attribute.Float64("ratelimit.retry_after_seconds", d.RetryAfter.Seconds()))
		return d, zero, nil
	}

	start := time.Now()
	res, err := work(ctx)
	if l.metrics != nil {
		l.metrics.ObserveWork(time.Since(start).Seconds(), err != nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return d, res, err
}
