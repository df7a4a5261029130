package coordinator

import "time"

// MetricsObserver receives column events.
type MetricsObserver interface {
	// OnWrite is called after each batch commit and routing.
	OnWrite(records int, seq uint64, duration time.Duration, err error)

	// OnSeal is called when a partition buffer was encoded into a segment.
	OnSeal(partition string, duration time.Duration, err error)

	// OnMerge is called after each merge task.
	OnMerge(partition string, level, inputs int, rows uint64, duration time.Duration, err error)

	// OnLookup is called after each reverse lookup.
	OnLookup(partition string, hit bool, duration time.Duration, err error)

	// OnLag reports committedSeq - DurableSeq of a partition when it is read.
	OnLag(partition string, lag uint64)

	// OnRecovery is called after a partition replayed primary records.
	OnRecovery(partition string, replayed uint64, duration time.Duration, err error)
}

// NoopMetricsObserver discards all events.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnWrite(int, uint64, time.Duration, error)              {}
func (NoopMetricsObserver) OnSeal(string, time.Duration, error)                    {}
func (NoopMetricsObserver) OnMerge(string, int, int, uint64, time.Duration, error) {}
func (NoopMetricsObserver) OnLookup(string, bool, time.Duration, error)            {}
func (NoopMetricsObserver) OnLag(string, uint64)                                   {}
func (NoopMetricsObserver) OnRecovery(string, uint64, time.Duration, error)        {}
