package vectorstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
)

// MemoryStore is an in-memory Store used in development and tests. It
// enforces the same dimension contract as a real backend.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	dimension int
	points    map[uuid.UUID]Point
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memoryCollection)}
}

// CreateCollection creates a collection with a fixed dimension
func (s *MemoryStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	if dimension <= 0 {
		return apperrors.InvalidArgument("dimension must be positive, got %d", dimension)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; ok {
		return apperrors.Conflict("collection %s already exists", name)
	}
	s.collections[name] = &memoryCollection{
		dimension: dimension,
		points:    make(map[uuid.UUID]Point),
	}
	return nil
}

// DeleteCollection removes a collection; missing collections are ignored
func (s *MemoryStore) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

// CollectionExists reports whether the collection exists
func (s *MemoryStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok, nil
}

// GetCollectionInfo returns the collection descriptor
func (s *MemoryStore) GetCollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, apperrors.NotFound("collection %s not found", name)
	}
	return &CollectionInfo{Name: name, Dimension: c.dimension, PointCount: len(c.points)}, nil
}

// ListCollections returns collection names with the given prefix
func (s *MemoryStore) ListCollections(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name := range s.collections {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// UpsertPoints inserts or replaces points, rejecting dimension mismatches
func (s *MemoryStore) UpsertPoints(ctx context.Context, collection string, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		return apperrors.NotFound("collection %s not found", collection)
	}
	for _, p := range points {
		if len(p.Vector) != c.dimension {
			return apperrors.InvalidArgument("vector dimension %d does not match collection dimension %d", len(p.Vector), c.dimension)
		}
	}
	for _, p := range points {
		c.points[p.ID] = p
	}
	return nil
}

// DeletePoints removes points by id
func (s *MemoryStore) DeletePoints(ctx context.Context, collection string, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		return apperrors.NotFound("collection %s not found", collection)
	}
	for _, id := range ids {
		delete(c.points, id)
	}
	return nil
}

// CountPoints returns the number of stored points
func (s *MemoryStore) CountPoints(ctx context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return 0, apperrors.NotFound("collection %s not found", collection)
	}
	return len(c.points), nil
}

// ScrollPoints pages through points in stable id order
func (s *MemoryStore) ScrollPoints(ctx context.Context, collection string, offset, limit int) ([]Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return nil, apperrors.NotFound("collection %s not found", collection)
	}

	ids := make([]uuid.UUID, 0, len(c.points))
	for id := range c.points {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(ids) {
		end = len(ids)
	}

	out := make([]Point, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, c.points[id])
	}
	return out, nil
}
