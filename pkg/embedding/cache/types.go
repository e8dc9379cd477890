package cache

import "time"

// Entry is a cached embedding together with its access bookkeeping.
// Vectors are stored verbatim and must never be truncated or re-quantized.
type Entry struct {
	TextHash     string    `json:"text_hash"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Vector       []float64 `json:"vector"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
	TextLength   int       `json:"text_length"`
}

// Stats is a point-in-time view of cache effectiveness. Counters are
// persisted so they survive process restarts.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Sets        int64   `json:"sets"`
	Evictions   int64   `json:"evictions"`
	Errors      int64   `json:"errors"`
	Entries     int64   `json:"entries"`
	MemoryBytes int64   `json:"memory_bytes"`
	HitRate     float64 `json:"hit_rate"`
}

// Requests returns the total number of lookups observed
func (s Stats) Requests() int64 {
	return s.Hits + s.Misses
}

// BatchResult is the outcome of a batch lookup. Found is indexed by the
// position of the input text; MissingIndices preserves input order.
type BatchResult struct {
	Found          map[int][]float64
	MissingIndices []int
}
