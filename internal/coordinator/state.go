package coordinator

import "fmt"

// BatchState is the index state of a write batch.
type BatchState int

const (
	// Received: the batch is not committed to the primary store.
	Received BatchState = iota
	// PrimaryCommitted: the batch is durable in the primary store but not
	// yet routed to the index.
	PrimaryCommitted
	// IndexBuffered: the batch's pairs sit in partition buffers.
	IndexBuffered
	// IndexDurable: every pair of the batch is in a sealed segment.
	IndexDurable
	// IndexLost: a partition lost the batch's pairs to corruption; a rebuild
	// restores them.
	IndexLost
)

func (s BatchState) String() string {
	switch s {
	case Received:
		return "received"
	case PrimaryCommitted:
		return "primary-committed"
	case IndexBuffered:
		return "index-buffered"
	case IndexDurable:
		return "index-durable"
	case IndexLost:
		return "index-lost"
	default:
		return fmt.Sprintf("BatchState(%d)", int(s))
	}
}

// LagPolicy decides how reads treat a partition whose DurableSeq trails the
// committed sequence by more than the configured maximum.
type LagPolicy int

const (
	// LagStale serves whatever is sealed.
	LagStale LagPolicy = iota
	// LagSignal serves sealed results and reports ErrCatchingUp.
	LagSignal
	// LagBlock seals the partition's buffer before serving.
	LagBlock
)

func (p LagPolicy) String() string {
	switch p {
	case LagStale:
		return "stale"
	case LagSignal:
		return "signal"
	case LagBlock:
		return "block"
	default:
		return fmt.Sprintf("LagPolicy(%d)", int(p))
	}
}

// ParseLagPolicy parses the names returned by String.
func ParseLagPolicy(s string) (LagPolicy, error) {
	switch s {
	case "", "stale":
		return LagStale, nil
	case "signal":
		return LagSignal, nil
	case "block":
		return LagBlock, nil
	}
	return 0, fmt.Errorf("coordinator: unknown lag policy %q", s)
}
