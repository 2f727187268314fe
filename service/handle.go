package service

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gophersatwork/buildcache/cachekey"
)

const tracerName = "github.com/gophersatwork/buildcache/service"

// LoadResult is the outcome of [Handle.Load].
type LoadResult struct {
	Hit bool
	// ArchiveSize is the number of bytes read from the entry.
	ArchiveSize int64
}

// StoreResult is the outcome of [Handle.Store].
type StoreResult struct {
	Stored      bool
	ArchiveSize int64
}

// Handle wraps a [Service] and reports each call to a [Listener] and as a
// trace span. Results and errors of the service are passed through unchanged.
type Handle struct {
	name     string
	delegate Service
	push     bool
	listener Listener
}

// NewHandle returns a handle for delegate.
// If push is false, Store never reaches delegate.
// listener may be nil.
func NewHandle(name string, delegate Service, push bool, listener Listener) *Handle {
	if listener == nil {
		listener = MultiListener(nil)
	}
	return &Handle{name: name, delegate: delegate, push: push, listener: listener}
}

func (h *Handle) Name() string { return h.name }

// CanStore reports whether Store reaches the service.
func (h *Handle) CanStore() bool { return h.push }

func (h *Handle) startSpan(ctx context.Context, op string, key cachekey.Key) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "buildcache."+op, trace.WithAttributes(
		attribute.String("buildcache.service", h.name),
		attribute.String("buildcache.key", key.String()),
	))
}

// Load calls the service's Load, counting the bytes reader consumes.
func (h *Handle) Load(ctx context.Context, key cachekey.Key, reader EntryReader) (LoadResult, error) {
	ctx, span := h.startSpan(ctx, "load", key)
	defer span.End()

	start := time.Now()
	var counted int64
	hit, err := h.delegate.Load(ctx, key, func(r io.Reader) error {
		cr := &countingReader{r: r}
		defer func() { counted = cr.n }()
		return reader(cr)
	})
	result := LoadResult{Hit: hit && err == nil, ArchiveSize: counted}

	span.SetAttributes(attribute.Bool("buildcache.hit", result.Hit), attribute.Int64("buildcache.size", counted))
	recordStatus(span, err)
	h.listener.LoadFinished(ctx, LoadEvent{
		Service:  h.name,
		Key:      key,
		Result:   result,
		Duration: time.Since(start),
		Err:      err,
	})
	return result, err
}

// Store calls the service's Store unless pushing is disabled.
func (h *Handle) Store(ctx context.Context, key cachekey.Key, writer EntryWriter) (StoreResult, error) {
	if !h.push {
		return StoreResult{}, nil
	}
	ctx, span := h.startSpan(ctx, "store", key)
	defer span.End()

	start := time.Now()
	size := writer.Size()
	err := h.delegate.Store(ctx, key, writer)
	result := StoreResult{Stored: err == nil, ArchiveSize: size}

	span.SetAttributes(attribute.Bool("buildcache.stored", result.Stored), attribute.Int64("buildcache.size", size))
	recordStatus(span, err)
	h.listener.StoreFinished(ctx, StoreEvent{
		Service:  h.name,
		Key:      key,
		Result:   result,
		Duration: time.Since(start),
		Err:      err,
	})
	return result, err
}

// Close closes the service.
func (h *Handle) Close() error {
	return h.delegate.Close()
}

func recordStatus(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
