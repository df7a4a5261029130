package dualkv

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hupe1980/dualkv/internal/coordinator"
)

// MetricsObserver receives operational events of a column. Implement it to
// integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusObserver struct {
//	    dualkv.NoopMetricsObserver
//	    lag *prometheus.GaugeVec
//	}
//
//	func (p *PrometheusObserver) OnLag(partition string, lag uint64) {
//	    p.lag.WithLabelValues(partition).Set(float64(lag))
//	}
type MetricsObserver = coordinator.MetricsObserver

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver = coordinator.NoopMetricsObserver

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	WriteCount      atomic.Int64
	WriteErrors     atomic.Int64
	WriteRecords    atomic.Int64
	WriteTotalNanos atomic.Int64
	SealCount       atomic.Int64
	SealErrors      atomic.Int64
	MergeCount      atomic.Int64
	MergeErrors     atomic.Int64
	MergedRows      atomic.Int64
	LookupCount     atomic.Int64
	LookupHits      atomic.Int64
	LookupErrors    atomic.Int64
	LookupNanos     atomic.Int64
	RecoveredPairs  atomic.Int64
	MaxLag          atomic.Uint64
}

var _ MetricsObserver = (*BasicMetricsCollector)(nil)

// OnWrite implements MetricsObserver.
func (b *BasicMetricsCollector) OnWrite(records int, _ uint64, d time.Duration, err error) {
	b.WriteCount.Add(1)
	b.WriteRecords.Add(int64(records))
	b.WriteTotalNanos.Add(d.Nanoseconds())
	if err != nil {
		b.WriteErrors.Add(1)
	}
}

// OnSeal implements MetricsObserver.
func (b *BasicMetricsCollector) OnSeal(_ string, _ time.Duration, err error) {
	b.SealCount.Add(1)
	if err != nil {
		b.SealErrors.Add(1)
	}
}

// OnMerge implements MetricsObserver.
func (b *BasicMetricsCollector) OnMerge(_ string, _, _ int, rows uint64, _ time.Duration, err error) {
	b.MergeCount.Add(1)
	if err != nil {
		b.MergeErrors.Add(1)
		return
	}
	b.MergedRows.Add(int64(rows))
}

// OnLookup implements MetricsObserver.
func (b *BasicMetricsCollector) OnLookup(_ string, hit bool, d time.Duration, err error) {
	b.LookupCount.Add(1)
	b.LookupNanos.Add(d.Nanoseconds())
	if hit {
		b.LookupHits.Add(1)
	}
	if err != nil {
		b.LookupErrors.Add(1)
	}
}

// OnLag implements MetricsObserver. It keeps the highest lag observed.
func (b *BasicMetricsCollector) OnLag(_ string, lag uint64) {
	for {
		cur := b.MaxLag.Load()
		if lag <= cur || b.MaxLag.CompareAndSwap(cur, lag) {
			return
		}
	}
}

// OnRecovery implements MetricsObserver.
func (b *BasicMetricsCollector) OnRecovery(_ string, replayed uint64, _ time.Duration, _ error) {
	b.RecoveredPairs.Add(int64(replayed))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		WriteCount:     b.WriteCount.Load(),
		WriteErrors:    b.WriteErrors.Load(),
		WriteRecords:   b.WriteRecords.Load(),
		WriteAvgNanos:  avg(b.WriteTotalNanos.Load(), b.WriteCount.Load()),
		SealCount:      b.SealCount.Load(),
		SealErrors:     b.SealErrors.Load(),
		MergeCount:     b.MergeCount.Load(),
		MergeErrors:    b.MergeErrors.Load(),
		MergedRows:     b.MergedRows.Load(),
		LookupCount:    b.LookupCount.Load(),
		LookupHits:     b.LookupHits.Load(),
		LookupErrors:   b.LookupErrors.Load(),
		LookupAvgNanos: avg(b.LookupNanos.Load(), b.LookupCount.Load()),
		RecoveredPairs: b.RecoveredPairs.Load(),
		MaxLag:         b.MaxLag.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	WriteCount     int64
	WriteErrors    int64
	WriteRecords   int64
	WriteAvgNanos  int64
	SealCount      int64
	SealErrors     int64
	MergeCount     int64
	MergeErrors    int64
	MergedRows     int64
	LookupCount    int64
	LookupHits     int64
	LookupErrors   int64
	LookupAvgNanos int64
	RecoveredPairs int64
	MaxLag         uint64
}

// loggingObserver logs events through a Logger before forwarding them.
type loggingObserver struct {
	logger *Logger
	next   MetricsObserver
}

func (o loggingObserver) OnWrite(records int, seq uint64, d time.Duration, err error) {
	o.logger.LogWrite(context.Background(), records, seq, err)
	o.next.OnWrite(records, seq, d, err)
}

func (o loggingObserver) OnSeal(partition string, d time.Duration, err error) {
	o.logger.LogSeal(context.Background(), partition, d, err)
	o.next.OnSeal(partition, d, err)
}

func (o loggingObserver) OnMerge(partition string, level, inputs int, rows uint64, d time.Duration, err error) {
	o.logger.LogMerge(context.Background(), partition, level, inputs, rows, err)
	o.next.OnMerge(partition, level, inputs, rows, d, err)
}

func (o loggingObserver) OnLookup(partition string, hit bool, d time.Duration, err error) {
	o.next.OnLookup(partition, hit, d, err)
}

func (o loggingObserver) OnLag(partition string, lag uint64) {
	o.next.OnLag(partition, lag)
}

func (o loggingObserver) OnRecovery(partition string, replayed uint64, d time.Duration, err error) {
	o.logger.LogRecovery(context.Background(), partition, replayed, err)
	o.next.OnRecovery(partition, replayed, d, err)
}
