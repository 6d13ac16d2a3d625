package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// Repository writes audit logs.
type Repository struct {
	db *sqlx.DB
}

// NewRepository constructs an audit repository.
func NewRepository(db *sqlx.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

// Log writes an audit entry.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	var metadata any
	if len(entry.Metadata) > 0 {
		metadata = string(entry.Metadata)
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
INSERT INTO audit_logs (
	id, actor, action, resource_type, resource_id, metadata, payload_digest, created_at
) VALUES (?,?,?,?,?,?,?,?)`), entry.ID, entry.Actor, entry.Action, entry.ResourceType, entry.ResourceID,
		metadata, entry.PayloadDigest, entry.CreatedAt.UTC())
	return err
}

// ListByResource returns a resource's entries oldest first.
func (r *Repository) ListByResource(ctx context.Context, resourceType, resourceID string) ([]Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("audit repo: nil db")
	}
	var rows []struct {
		ID            string         `db:"id"`
		Actor         string         `db:"actor"`
		Action        string         `db:"action"`
		ResourceType  string         `db:"resource_type"`
		ResourceID    string         `db:"resource_id"`
		Metadata      sql.NullString `db:"metadata"`
		PayloadDigest sql.NullString `db:"payload_digest"`
		CreatedAt     time.Time      `db:"created_at"`
	}
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
SELECT id, actor, action, resource_type, resource_id, metadata, payload_digest, created_at
FROM audit_logs
WHERE resource_type = ? AND resource_id = ?
ORDER BY created_at ASC, id ASC`), resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry := Entry{
			ID:            row.ID,
			Actor:         row.Actor,
			Action:        row.Action,
			ResourceType:  row.ResourceType,
			ResourceID:    row.ResourceID,
			PayloadDigest: row.PayloadDigest.String,
			CreatedAt:     row.CreatedAt.UTC(),
		}
		if row.Metadata.Valid {
			entry.Metadata = []byte(row.Metadata.String)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
