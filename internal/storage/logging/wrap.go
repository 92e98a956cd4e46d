// Package logging traces and logs every storage call.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/fnhost/internal/correlation"
	"pkt.systems/fnhost/internal/storage"
)

// Backend opens one span per call and logs its outcome at debug level.
type Backend struct {
	next   storage.Backend
	log    pslog.Logger
	tracer trace.Tracer
	name   string
}

// Wrap decorates next. name labels spans and log lines, for example
// "storage.backend".
func Wrap(next storage.Backend, logger pslog.Logger, name string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Backend{next: next, log: logger, tracer: otel.Tracer("pkt.systems/fnhost/storage"), name: name}
}

// observe runs call inside a span. call returns extra key/value pairs for
// the success log line.
func (b *Backend) observe(ctx context.Context, op, key string, call func(context.Context) ([]any, error)) error {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "fnhost.storage."+op, trace.WithAttributes(
		attribute.String("fnhost.storage.op", op),
		attribute.String("fnhost.storage.key", key),
		attribute.String("fnhost.storage.name", b.name),
	))
	defer span.End()
	log := correlation.Logger(ctx, b.log)
	if id := correlation.ID(ctx); id != "" {
		span.SetAttributes(attribute.String("fnhost.correlation_id", id))
	}
	ctx = pslog.ContextWithLogger(ctx, log)

	log.Trace("storage."+op+".begin", "key", key)
	extra, err := call(ctx)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		log.Debug("storage."+op+".error", "key", key, "error", err, "elapsed", elapsed)
		return err
	}
	span.SetStatus(codes.Ok, "")
	log.Debug("storage."+op+".ok", append([]any{"key", key, "elapsed", elapsed}, extra...)...)
	return nil
}

func (b *Backend) List(ctx context.Context, prefix, after string, limit int) (page storage.Page, err error) {
	err = b.observe(ctx, "list", prefix, func(ctx context.Context) ([]any, error) {
		page, err = b.next.List(ctx, prefix, after, limit)
		return []any{"after", after, "count", len(page.Objects), "more", page.Next != ""}, err
	})
	return page, err
}

func (b *Backend) Get(ctx context.Context, key string) (obj storage.Object, err error) {
	err = b.observe(ctx, "get", key, func(ctx context.Context) ([]any, error) {
		obj, err = b.next.Get(ctx, key)
		return []any{"etag", obj.ETag, "size", obj.Size}, err
	})
	return obj, err
}

func (b *Backend) Put(ctx context.Context, key string, data []byte, pre storage.Precondition) (obj storage.Object, err error) {
	err = b.observe(ctx, "put", key, func(ctx context.Context) ([]any, error) {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Bool("fnhost.storage.if_match", pre.IfMatch != ""),
			attribute.Bool("fnhost.storage.if_absent", pre.IfAbsent),
		)
		obj, err = b.next.Put(ctx, key, data, pre)
		return []any{"if_match", pre.IfMatch, "etag", obj.ETag, "size", len(data)}, err
	})
	return obj, err
}

func (b *Backend) Delete(ctx context.Context, key string, pre storage.Precondition) error {
	return b.observe(ctx, "delete", key, func(ctx context.Context) ([]any, error) {
		return []any{"if_match", pre.IfMatch}, b.next.Delete(ctx, key, pre)
	})
}

func (b *Backend) Close() error { return b.next.Close() }

// Watch passes through to the wrapped backend.
func (b *Backend) Watch(prefix string) (storage.Subscription, error) {
	sub, err := storage.Watch(b.next, prefix)
	if err != nil {
		b.log.Debug("storage.watch.unavailable", "prefix", prefix, "error", err)
		return nil, err
	}
	b.log.Debug("storage.watch.ok", "prefix", prefix)
	return sub, nil
}
