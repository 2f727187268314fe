package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"zombiezen.com/go/log"

	"github.com/gophersatwork/buildcache/cachekey"
)

// Outcome classifies a finished operation.
type Outcome string

const (
	OutcomeHit       Outcome = "hit"
	OutcomeMiss      Outcome = "miss"
	OutcomeStored    Outcome = "stored"
	OutcomeNotStored Outcome = "not_stored"
	OutcomeFailed    Outcome = "failed"
)

// LoadEvent describes a finished [Handle.Load].
type LoadEvent struct {
	Service  string
	Key      cachekey.Key
	Result   LoadResult
	Duration time.Duration
	Err      error
}

func (e LoadEvent) Outcome() Outcome {
	switch {
	case e.Err != nil:
		return OutcomeFailed
	case e.Result.Hit:
		return OutcomeHit
	default:
		return OutcomeMiss
	}
}

// StoreEvent describes a finished [Handle.Store].
type StoreEvent struct {
	Service  string
	Key      cachekey.Key
	Result   StoreResult
	Duration time.Duration
	Err      error
}

func (e StoreEvent) Outcome() Outcome {
	switch {
	case e.Err != nil:
		return OutcomeFailed
	case e.Result.Stored:
		return OutcomeStored
	default:
		return OutcomeNotStored
	}
}

// Listener observes cache operations. Implementations must not block.
type Listener interface {
	LoadFinished(ctx context.Context, e LoadEvent)
	StoreFinished(ctx context.Context, e StoreEvent)
}

// MultiListener notifies each listener in order.
type MultiListener []Listener

func (m MultiListener) LoadFinished(ctx context.Context, e LoadEvent) {
	for _, l := range m {
		l.LoadFinished(ctx, e)
	}
}

func (m MultiListener) StoreFinished(ctx context.Context, e StoreEvent) {
	for _, l := range m {
		l.StoreFinished(ctx, e)
	}
}

// LogListener logs every operation at debug level.
type LogListener struct{}

func (LogListener) LoadFinished(ctx context.Context, e LoadEvent) {
	if e.Err != nil {
		log.Debugf(ctx, "Load %v from %s failed after %v: %v", e.Key, e.Service, e.Duration, e.Err)
		return
	}
	log.Debugf(ctx, "Load %v from %s: %s (%d bytes, %v)", e.Key, e.Service, e.Outcome(), e.Result.ArchiveSize, e.Duration)
}

func (LogListener) StoreFinished(ctx context.Context, e StoreEvent) {
	if e.Err != nil {
		log.Debugf(ctx, "Store %v to %s failed after %v: %v", e.Key, e.Service, e.Duration, e.Err)
		return
	}
	log.Debugf(ctx, "Store %v to %s: %s (%d bytes, %v)", e.Key, e.Service, e.Outcome(), e.Result.ArchiveSize, e.Duration)
}

// PrometheusListener exports operation counts, durations and archive sizes.
type PrometheusListener struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	size       *prometheus.HistogramVec
}

// NewPrometheusListener creates the collectors and registers them with reg.
func NewPrometheusListener(reg prometheus.Registerer) (*PrometheusListener, error) {
	l := &PrometheusListener{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildcache",
			Name:      "operations_total",
			Help:      "Number of cache service operations by outcome.",
		}, []string{"service", "op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "buildcache",
			Name:      "operation_duration_seconds",
			Help:      "Duration of cache service operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "op"}),
		size: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "buildcache",
			Name:      "archive_size_bytes",
			Help:      "Size of archives transferred to or from cache services.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"service", "op"}),
	}
	for _, c := range []prometheus.Collector{l.operations, l.duration, l.size} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register cache metrics")
		}
	}
	return l, nil
}

func (l *PrometheusListener) LoadFinished(ctx context.Context, e LoadEvent) {
	l.observe(e.Service, "load", e.Outcome(), e.Duration, e.Result.ArchiveSize, e.Result.Hit)
}

func (l *PrometheusListener) StoreFinished(ctx context.Context, e StoreEvent) {
	l.observe(e.Service, "store", e.Outcome(), e.Duration, e.Result.ArchiveSize, e.Result.Stored)
}

func (l *PrometheusListener) observe(service, op string, outcome Outcome, d time.Duration, size int64, transferred bool) {
	l.operations.WithLabelValues(service, op, string(outcome)).Inc()
	l.duration.WithLabelValues(service, op).Observe(d.Seconds())
	if transferred {
		l.size.WithLabelValues(service, op).Observe(float64(size))
	}
}
