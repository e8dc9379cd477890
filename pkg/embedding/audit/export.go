package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
)

// Export formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// exportPageSize bounds a single export query
const exportPageSize = 10000

// Export serializes a tenant's audit trail in the requested format.
// The range is optional; zero times mean unbounded.
func (s *Store) Export(ctx context.Context, tenantID uuid.UUID, format string, since, until time.Time) ([]byte, error) {
	switch format {
	case FormatJSON, FormatCSV:
	default:
		return nil, apperrors.InvalidArgument("unsupported export format: %s", format)
	}

	records, err := s.Query(ctx, tenantID, Filter{Since: since, Until: until}, Page{Limit: exportPageSize})
	if err != nil {
		return nil, err
	}

	if format == FormatJSON {
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return nil, apperrors.Internal(fmt.Errorf("failed to encode audit export: %w", err))
		}
		return data, nil
	}
	return exportCSV(records)
}

func exportCSV(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"id", "tenant_id", "action", "primary_chunk_id", "duplicate_chunk_ids",
		"similarity_score", "reason", "actor", "created_at",
	}
	if err := w.Write(header); err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to write csv header: %w", err))
	}

	for _, record := range records {
		primary := ""
		if record.PrimaryChunkID != nil {
			primary = record.PrimaryChunkID.String()
		}
		duplicates := make([]string, len(record.DuplicateChunkIDs))
		for i, id := range record.DuplicateChunkIDs {
			duplicates[i] = id.String()
		}
		row := []string{
			record.ID.String(),
			record.TenantID.String(),
			record.Action,
			primary,
			strings.Join(duplicates, ";"),
			strconv.FormatFloat(record.SimilarityScore, 'f', 4, 64),
			record.Reason,
			record.Actor,
			record.CreatedAt.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, apperrors.Internal(fmt.Errorf("failed to write csv row: %w", err))
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to flush csv export: %w", err))
	}
	return buf.Bytes(), nil
}
