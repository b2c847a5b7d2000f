package db

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"commercehub/internal/types"
)

// EcosystemLogRepository appends to the ecosystem_logs audit table. Rows
// are never updated or deleted.
type EcosystemLogRepository struct {
	db DBTX
}

// NewEcosystemLogRepository creates a new EcosystemLogRepository.
func NewEcosystemLogRepository(db DBTX) *EcosystemLogRepository {
	return &EcosystemLogRepository{db: db}
}

// Append inserts entry, assigning ID when empty and CreatedAt from the
// database clock.
func (r *EcosystemLogRepository) Append(ctx context.Context, entry *types.EcosystemLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	meta := entry.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode audit metadata", err)
	}

	err = r.db.QueryRow(ctx,
		`INSERT INTO ecosystem_logs (id, action, status, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		entry.ID,
		entry.Action,
		entry.Status,
		metaJSON,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append ecosystem log", err)
	}
	return nil
}

// ListRecent returns the newest entries first.
func (r *EcosystemLogRepository) ListRecent(ctx context.Context, limit int) ([]*types.EcosystemLogEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, action, status, metadata, created_at
		 FROM ecosystem_logs
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list ecosystem logs", err)
	}
	defer rows.Close()

	var entries []*types.EcosystemLogEntry
	for rows.Next() {
		var (
			e        types.EcosystemLogEntry
			metaJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Status, &metaJSON, &e.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ecosystem log", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to decode audit metadata", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate ecosystem logs", err)
	}
	return entries, nil
}
