package dualkv

import (
	"errors"
	"fmt"

	"github.com/hupe1980/dualkv/backend"
	"github.com/hupe1980/dualkv/internal/coordinator"
	"github.com/hupe1980/dualkv/internal/index"
	"github.com/hupe1980/dualkv/internal/primary"
	"github.com/hupe1980/dualkv/internal/segment"
	"github.com/hupe1980/dualkv/partition"
	"github.com/hupe1980/dualkv/reducer"
)

var (
	// ErrNotFound is returned by Get for missing or deleted keys.
	ErrNotFound = primary.ErrNotFound

	// ErrClosed is returned by every operation after Close.
	ErrClosed = coordinator.ErrClosed

	// ErrCatchingUp is returned next to results when a partition's index
	// trails the primary store by more than the configured lag under
	// LagSignal.
	ErrCatchingUp = coordinator.ErrCatchingUp

	// ErrManifestCorruption marks a partition whose manifest or segments
	// could not be read. Rebuild restores it from the primary store.
	ErrManifestCorruption = index.ErrManifestCorruption

	// ErrReducerMismatch is returned by Open when the configured reducer
	// differs from the one the index was built with.
	ErrReducerMismatch = index.ErrReducerMismatch

	// ErrEncodingViolation is returned for values the index cannot encode.
	ErrEncodingViolation = segment.ErrEncodingViolation

	// ErrUnknownPartition is returned for a partition name or tag the
	// partitioner does not define.
	ErrUnknownPartition = partition.ErrUnknownPartition

	// ErrInvalidAggregate is returned when a stored aggregate does not
	// decode with the configured reducer.
	ErrInvalidAggregate = reducer.ErrInvalidAggregate

	// ErrNoKeyLister is returned by LookupKeys for reducers whose
	// aggregates do not hold keys.
	ErrNoKeyLister = errors.New("dualkv: reducer does not list keys")
)

// BackendIOError wraps a failure reported by the storage backend. It is
// never retried.
type BackendIOError = primary.BackendIOError

// ManifestError records why a partition was marked corrupt. It matches
// ErrManifestCorruption with errors.Is.
type ManifestError = index.ManifestError

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, backend.ErrClosed) || errors.Is(err, index.ErrClosed) {
		if errors.Is(err, ErrClosed) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	if errors.Is(err, backend.ErrNotFound) && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
