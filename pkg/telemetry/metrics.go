package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// PageManagerMetrics are the counters the page manager increments on every
// allocation, fetch, flush, and freelist lookup (spec §4.3, "Transient ...
// counters for metrics").
type PageManagerMetrics struct {
	PagesFetched    metric.Int64Counter
	PagesFlushed    metric.Int64Counter
	PagesAllocated  metric.Int64Counter // attribute "page_type"
	FreelistHits    metric.Int64Counter
	FreelistMisses  metric.Int64Counter
	CacheHits       metric.Int64Counter
	CacheMisses     metric.Int64Counter
	CacheEvictions  metric.Int64Counter
	MergeCursorMove metric.Int64Counter // attribute "direction"
}

// NewPageManagerMetrics builds the instrument bundle from a meter. Every
// instrument creation error is swallowed into a no-op counter rather than
// failing startup — metrics are diagnostic, not load-bearing.
func NewPageManagerMetrics(meter metric.Meter) *PageManagerMetrics {
	m := &PageManagerMetrics{}
	m.PagesFetched, _ = meter.Int64Counter("pagedkv.pages.fetched")
	m.PagesFlushed, _ = meter.Int64Counter("pagedkv.pages.flushed")
	m.PagesAllocated, _ = meter.Int64Counter("pagedkv.pages.allocated")
	m.FreelistHits, _ = meter.Int64Counter("pagedkv.freelist.hits")
	m.FreelistMisses, _ = meter.Int64Counter("pagedkv.freelist.misses")
	m.CacheHits, _ = meter.Int64Counter("pagedkv.cache.hits")
	m.CacheMisses, _ = meter.Int64Counter("pagedkv.cache.misses")
	m.CacheEvictions, _ = meter.Int64Counter("pagedkv.cache.evictions")
	m.MergeCursorMove, _ = meter.Int64Counter("pagedkv.mergecursor.moves")
	return m
}

// Noop returns a metrics bundle backed by a no-op meter, for callers that
// don't want to wire telemetry.New (e.g. unit tests).
func Noop() *PageManagerMetrics {
	return NewPageManagerMetrics(noop.NewMeterProvider().Meter(""))
}
