// Package vectorstore abstracts the per-tenant vector collections. The
// canonical collection key is the tenant id string; migrations create
// temporary collections with timestamped prefixes to avoid collisions.
package vectorstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/models"
)

// Point is one stored vector with its payload
type Point struct {
	ID      uuid.UUID      `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload models.JSONMap `json:"payload,omitempty"`
}

// CollectionInfo describes a collection
type CollectionInfo struct {
	Name       string `json:"name"`
	Dimension  int    `json:"dimension"`
	PointCount int    `json:"point_count"`
}

// Store is the vector store interface. Every method is a suspension
// point; implementations must be safe for concurrent use.
type Store interface {
	// CreateCollection creates a collection with a fixed dimension.
	// Creating an existing collection is an error.
	CreateCollection(ctx context.Context, name string, dimension int) error

	// DeleteCollection removes a collection and its points. Deleting a
	// missing collection is not an error.
	DeleteCollection(ctx context.Context, name string) error

	// CollectionExists reports whether the collection exists
	CollectionExists(ctx context.Context, name string) (bool, error)

	// GetCollectionInfo returns the collection descriptor
	GetCollectionInfo(ctx context.Context, name string) (*CollectionInfo, error)

	// ListCollections returns collection names with the given prefix
	ListCollections(ctx context.Context, prefix string) ([]string, error)

	// UpsertPoints inserts or replaces points. Vectors whose length
	// disagrees with the collection dimension are rejected.
	UpsertPoints(ctx context.Context, collection string, points []Point) error

	// DeletePoints removes points by id
	DeletePoints(ctx context.Context, collection string, ids []uuid.UUID) error

	// CountPoints returns the number of stored points
	CountPoints(ctx context.Context, collection string) (int, error)

	// ScrollPoints pages through points in stable id order
	ScrollPoints(ctx context.Context, collection string, offset, limit int) ([]Point, error)
}
