package manifest

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/dualkv/blobstore"
)

const (
	ManifestFileName = "MANIFEST"
	CurrentFileName  = "CURRENT"
	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1
)

// Manifest describes the sealed state of one index partition.
type Manifest struct {
	Version   int
	ID        uint64
	CreatedAt time.Time
	Partition string
	// Reducer is the name of the reducer every segment was built with.
	// Empty means last-writer-wins.
	Reducer        string
	NextSegmentID  uint64
	NextGeneration uint64
	// DurableSeq is the highest primary sequence number whose pairs for this
	// partition are all reflected in Segments.
	DurableSeq uint64
	Segments   []SegmentInfo
}

// New creates an empty manifest for a partition.
func New(partition, reducer string) *Manifest {
	return &Manifest{
		Version:        CurrentVersion,
		CreatedAt:      time.Now(),
		Partition:      partition,
		Reducer:        reducer,
		NextSegmentID:  1,
		NextGeneration: 1,
	}
}

// SegmentInfo describes a single sealed segment.
type SegmentInfo struct {
	ID         uint64
	Generation uint64
	Level      int
	RowCount   uint64
	Size       int64
	Path       string // Relative to the partition directory
	// MinValue and MaxValue bound the values in the segment so lookups can
	// skip it.
	MinValue []byte
	MaxValue []byte
}

// Covers reports whether value lies within the segment's value bounds.
func (s SegmentInfo) Covers(value []byte) bool {
	return bytes.Compare(value, s.MinValue) >= 0 && bytes.Compare(value, s.MaxValue) <= 0
}

// Overlaps reports whether [start, end] intersects the segment's value
// bounds. A nil end is unbounded.
func (s SegmentInfo) Overlaps(start, end []byte) bool {
	if start != nil && bytes.Compare(s.MaxValue, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(s.MinValue, end) > 0 {
		return false
	}
	return true
}

// Clone returns a deep copy safe to mutate.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Segments = slices.Clone(m.Segments)
	return &c
}

// AllocateSegmentID returns the next segment ID.
func (m *Manifest) AllocateSegmentID() uint64 {
	id := m.NextSegmentID
	m.NextSegmentID++
	return id
}

// Replace removes the segments with the given IDs and registers out. A merge
// whose inputs were entirely stale registers nothing.
func (m *Manifest) Replace(retired []uint64, out ...SegmentInfo) {
	m.Segments = slices.DeleteFunc(m.Segments, func(s SegmentInfo) bool {
		return slices.Contains(retired, s.ID)
	})
	m.Segments = append(m.Segments, out...)
	m.sortSegments()
}

// Add registers a newly sealed segment.
func (m *Manifest) Add(s SegmentInfo) {
	m.Segments = append(m.Segments, s)
	m.sortSegments()
}

// sortSegments orders segments newest generation first.
func (m *Manifest) sortSegments() {
	slices.SortStableFunc(m.Segments, func(a, b SegmentInfo) int {
		if c := cmp.Compare(b.Generation, a.Generation); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

// Levels groups segments by merge level, newest first within a level.
func (m *Manifest) Levels() map[int][]SegmentInfo {
	levels := make(map[int][]SegmentInfo)
	for _, s := range m.Segments {
		levels[s.Level] = append(levels[s.Level], s)
	}
	return levels
}

// Store manages the manifest files of one partition directory.
type Store struct {
	store blobstore.BlobStore
	mu    sync.Mutex
	// highest is the highest manifest ID seen in the store.
	highest uint64
	scanned bool
}

// NewStore creates a manifest store. store is scoped to the partition
// directory (see blobstore.Prefixed).
func NewStore(store blobstore.BlobStore) *Store {
	return &Store{store: store}
}

func manifestName(id uint64) string {
	return fmt.Sprintf("%s-%06d.bin", ManifestFileName, id)
}

func parseManifestName(name string) (uint64, bool) {
	base := path.Base(name)
	if !strings.HasPrefix(base, ManifestFileName+"-") || path.Ext(base) != ".bin" {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(base, ManifestFileName+"-"), ".bin"), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Load loads the current manifest.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	return s.LoadVersion(ctx, 0)
}

// LoadVersion loads a specific version ID. 0 means the one CURRENT points at.
//
// A missing CURRENT yields ErrNotFound. Anything else that prevents reading
// the referenced manifest yields an error wrapping ErrCorrupt.
func (s *Store) LoadVersion(ctx context.Context, versionID uint64) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filename string
	if versionID == 0 {
		content, err := blobstore.ReadAll(ctx, s.store, CurrentFileName)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		filename = strings.TrimSpace(string(content))
		if _, ok := parseManifestName(filename); !ok {
			return nil, fmt.Errorf("%w: CURRENT references %q", ErrCorrupt, filename)
		}
	} else {
		filename = manifestName(versionID)
	}

	data, err := blobstore.ReadAll(ctx, s.store, filename)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s missing", ErrCorrupt, filename)
		}
		return nil, err
	}

	m, err := ReadBinary(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, ErrIncompatibleVersion) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, filename, err)
	}
	s.highest = max(s.highest, m.ID)
	return m, nil
}

// ListVersions returns the IDs of all manifest files, ascending.
func (s *Store) ListVersions(ctx context.Context) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(ctx)
}

func (s *Store) listLocked(ctx context.Context) ([]uint64, error) {
	files, err := s.store.List(ctx, ManifestFileName)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, f := range files {
		if id, ok := parseManifestName(f); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > 0 {
		s.highest = max(s.highest, ids[len(ids)-1])
	}
	s.scanned = true
	return ids, nil
}

// Save atomically publishes m as the partition's current manifest. The ID is
// always above every manifest already in the store, so a rebuilt manifest
// never collides with a corrupt one.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.scanned {
		if _, err := s.listLocked(ctx); err != nil {
			return err
		}
	}

	m.Version = CurrentVersion
	m.ID = max(m.ID, s.highest) + 1
	m.CreatedAt = time.Now()

	filename := manifestName(m.ID)

	var buf bytes.Buffer
	if err := m.WriteBinary(&buf); err != nil {
		return err
	}
	if err := s.store.Put(ctx, filename, buf.Bytes()); err != nil {
		return err
	}
	if err := s.store.Put(ctx, CurrentFileName, []byte(filename)); err != nil {
		return err
	}
	s.highest = m.ID
	return nil
}

// DeleteVersion deletes the manifest file for the given version.
func (s *Store) DeleteVersion(ctx context.Context, versionID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(ctx, manifestName(versionID))
}

// Prune deletes all manifest files older than the newest keep versions.
func (s *Store) Prune(ctx context.Context, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.listLocked(ctx)
	if err != nil {
		return err
	}
	if len(ids) <= keep {
		return nil
	}
	for _, id := range ids[:len(ids)-keep] {
		if err := s.store.Delete(ctx, manifestName(id)); err != nil {
			return err
		}
	}
	return nil
}
