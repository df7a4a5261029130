package index

import (
	"slices"
	"sync/atomic"

	"github.com/hupe1980/dualkv/internal/manifest"
	"github.com/hupe1980/dualkv/internal/segment"
)

// RefCountedSegment wraps an open segment with a reference count.
type RefCountedSegment struct {
	*segment.Segment
	Info    manifest.SegmentInfo
	refs    int64
	onClose atomic.Value // stores func()
}

func newRefCountedSegment(seg *segment.Segment, info manifest.SegmentInfo) *RefCountedSegment {
	r := &RefCountedSegment{Segment: seg, Info: info, refs: 1}
	var f func()
	r.onClose.Store(f)
	return r
}

func (r *RefCountedSegment) IncRef() {
	atomic.AddInt64(&r.refs, 1)
}

func (r *RefCountedSegment) DecRef() {
	if atomic.AddInt64(&r.refs, -1) == 0 {
		_ = r.Segment.Close()
		if f := r.onClose.Load().(func()); f != nil {
			f()
		}
	}
}

// SetOnClose registers a callback run after the segment is closed. Retired
// segments use it to delete their file.
func (r *RefCountedSegment) SetOnClose(f func()) {
	r.onClose.Store(f)
}

// Snapshot is an immutable view of a partition's live segments, newest
// generation first.
type Snapshot struct {
	refs     int64
	segments []*RefCountedSegment
}

func newSnapshot(segments []*RefCountedSegment) *Snapshot {
	return &Snapshot{refs: 1, segments: segments}
}

// TryIncRef increments the reference count unless the snapshot has already
// been released.
func (s *Snapshot) TryIncRef() bool {
	for {
		refs := atomic.LoadInt64(&s.refs)
		if refs <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.refs, refs, refs+1) {
			return true
		}
	}
}

func (s *Snapshot) DecRef() {
	if atomic.AddInt64(&s.refs, -1) == 0 {
		for _, seg := range s.segments {
			seg.DecRef()
		}
	}
}

// Segments returns the live segments, newest generation first. The slice
// must not be modified.
func (s *Snapshot) Segments() []*RefCountedSegment {
	return s.segments
}

// Find returns the live segment with the given ID.
func (s *Snapshot) Find(id uint64) (*RefCountedSegment, bool) {
	for _, seg := range s.segments {
		if seg.Info.ID == id {
			return seg, true
		}
	}
	return nil, false
}

// derive returns a snapshot with the retired segments removed and added
// segments included. Kept segments gain a reference; added segments transfer
// their initial reference.
func (s *Snapshot) derive(retired []uint64, added ...*RefCountedSegment) *Snapshot {
	segs := make([]*RefCountedSegment, 0, len(s.segments)+len(added))
	for _, seg := range s.segments {
		if slices.Contains(retired, seg.Info.ID) {
			continue
		}
		seg.IncRef()
		segs = append(segs, seg)
	}
	segs = append(segs, added...)
	sortNewestFirst(segs)
	return newSnapshot(segs)
}
