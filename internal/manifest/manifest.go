package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/treekv/blobstore"
	"golang.org/x/sync/errgroup"
)

const (
	ManifestFileName = "MANIFEST"
	CurrentFileName  = "CURRENT"
	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1
)

// Manifest describes the persistent state of a database at a specific point in time.
type Manifest struct {
	Version    int
	ID         uint64
	InstanceID uuid.UUID
	CreatedAt  time.Time
	// NextSegmentID is the id the next created segment receives.
	NextSegmentID uint64
	// LastID is the highest record id ever assigned. It survives even when
	// compaction reclaimed every record, so ids are never reused.
	LastID uint64
	// Segments lists the live segments in id order. The last one is active.
	Segments   []SegmentInfo
	Checkpoint CheckpointInfo
}

// New creates a new empty manifest with a fresh instance id.
func New() *Manifest {
	return &Manifest{
		Version:       CurrentVersion,
		InstanceID:    uuid.New(),
		CreatedAt:     time.Now(),
		NextSegmentID: 1, // Start segment IDs at 1
	}
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Segments = slices.Clone(m.Segments)
	return &c
}

// SegmentInfo describes a single log segment.
type SegmentInfo struct {
	ID      uint64
	Path    string // Relative to data dir
	MinID   uint64
	MaxID   uint64
	Records int64
	Size    int64 // Size in bytes, header included
}

// CheckpointInfo points at the newest index checkpoint. An empty Path means none.
type CheckpointInfo struct {
	Path  string // Blob name
	MaxID uint64 // Highest id the checkpoint covers
}

// Store manages manifest blobs and the CURRENT pointer.
type Store struct {
	store blobstore.BlobStore
	mu    sync.Mutex
}

// NewStore creates a new manifest store.
func NewStore(store blobstore.BlobStore) *Store {
	return &Store{store: store}
}

// FileName returns the blob name of manifest version id.
func FileName(id uint64) string {
	return fmt.Sprintf("%s-%06d.bin", ManifestFileName, id)
}

// parseFileName extracts the version from a manifest blob name.
func parseFileName(name string) (uint64, bool) {
	digits, ok := strings.CutPrefix(name, ManifestFileName+"-")
	if !ok {
		return 0, false
	}
	digits, ok = strings.CutSuffix(digits, ".bin")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Load loads the current manifest. It returns ErrNotFound if none was ever saved.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	return s.LoadVersion(ctx, 0)
}

// LoadVersion loads a specific version ID. 0 means latest.
func (s *Store) LoadVersion(ctx context.Context, versionID uint64) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var manifestFilename string
	if versionID == 0 {
		content, err := blobstore.ReadAll(ctx, s.store, CurrentFileName)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		manifestFilename = strings.TrimSpace(string(content))
	} else {
		manifestFilename = FileName(versionID)
	}

	return s.read(ctx, manifestFilename)
}

func (s *Store) read(ctx context.Context, name string) (*Manifest, error) {
	b, err := s.store.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest %s: %w", name, err)
	}
	defer b.Close()

	m, err := ReadBinary(io.NewSectionReader(b, 0, b.Size()))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", name, err)
	}
	return m, nil
}

// ListVersions returns all readable manifest versions ordered by id.
// Corrupted or unreadable manifests are skipped.
func (s *Store) ListVersions(ctx context.Context) ([]*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.store.List(ctx, ManifestFileName+"-")
	if err != nil {
		return nil, err
	}
	var manifests []*Manifest
	for _, f := range files {
		if filepath.Ext(f) != ".bin" {
			continue
		}
		m, err := s.read(ctx, f)
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	slices.SortFunc(manifests, func(a, b *Manifest) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return manifests, nil
}

// Save writes m as the next version and switches CURRENT to it.
// m.ID and m.CreatedAt are only updated when both writes succeed.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *m
	next.Version = CurrentVersion
	next.ID = m.ID + 1
	next.CreatedAt = time.Now()
	if next.InstanceID == uuid.Nil {
		next.InstanceID = uuid.New()
	}

	filename := FileName(next.ID)

	var buf bytes.Buffer
	if err := next.WriteBinary(&buf); err != nil {
		return err
	}

	// Atomic Write of Manifest Blob
	if err := s.store.Put(ctx, filename, buf.Bytes()); err != nil {
		return err
	}

	// Atomic Update of CURRENT
	if err := s.store.Put(ctx, CurrentFileName, []byte(filename)); err != nil {
		_ = s.store.Delete(ctx, filename)
		return err
	}

	*m = next
	return nil
}

// DeleteVersion deletes the manifest file for the given version.
func (s *Store) DeleteVersion(ctx context.Context, versionID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Delete(ctx, FileName(versionID))
}

// Prune deletes every manifest version older than the newest keep versions
// below current. The current version is never deleted.
func (s *Store) Prune(ctx context.Context, current uint64, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.store.List(ctx, ManifestFileName+"-")
	if err != nil {
		return 0, err
	}
	var old []uint64
	for _, f := range files {
		if id, ok := parseFileName(f); ok && id < current {
			old = append(old, id)
		}
	}
	slices.Sort(old)
	if len(old) <= keep {
		return 0, nil
	}
	old = old[:len(old)-keep]

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range old {
		g.Go(func() error {
			return s.store.Delete(gctx, FileName(id))
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(old), nil
}
