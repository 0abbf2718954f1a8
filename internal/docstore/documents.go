package docstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/tenant"
)

// Document is a normalized tenant document.
type Document struct {
	TenantID       tenant.ID  `json:"tenant_id"`
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	SourceType     string     `json:"source_type"`
	Classification string     `json:"classification,omitempty"`
	Text           string     `json:"text"`
	ContentHash    string     `json:"content_hash"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	EmbeddedAt     *time.Time `json:"embedded_at,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// InBacklog reports whether the document still needs embedding.
func (d Document) InBacklog() bool {
	return d.EmbeddedAt == nil && d.DeletedAt == nil
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

const documentColumns = `tenant_id, id, title, source_type, classification, body, content_hash,
	created_at, updated_at, embedded_at, deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (Document, error) {
	var (
		d                 Document
		tid               string
		created, updated  int64
		embedded, deleted sql.NullInt64
	)
	if err := row.Scan(&tid, &d.ID, &d.Title, &d.SourceType, &d.Classification, &d.Text, &d.ContentHash,
		&created, &updated, &embedded, &deleted); err != nil {
		return Document{}, err
	}
	d.TenantID = tenant.ID(tid)
	d.CreatedAt = fromNanos(created)
	d.UpdatedAt = fromNanos(updated)
	d.EmbeddedAt = nullTime(embedded)
	d.DeletedAt = nullTime(deleted)
	return d, nil
}

// PutDocument inserts or updates a document. Changed text clears embedded_at
// so the document re-enters the backlog; unchanged text keeps it. Writing a
// previously deleted document restores it.
func (s *Store) PutDocument(ctx context.Context, d Document) error {
	if err := d.TenantID.Validate(); err != nil {
		return err
	}
	if d.ID == "" {
		return errors.New("document id is required")
	}
	now := time.Now().UTC()
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = d.UpdatedAt
	}
	hash := contentHash(d.Text)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			title          = excluded.title,
			source_type    = excluded.source_type,
			classification = excluded.classification,
			body           = excluded.body,
			updated_at     = excluded.updated_at,
			embedded_at    = CASE
				WHEN documents.content_hash = excluded.content_hash AND documents.deleted_at IS NULL
				THEN documents.embedded_at ELSE NULL END,
			content_hash   = excluded.content_hash,
			deleted_at     = NULL
	`, string(d.TenantID), d.ID, d.Title, d.SourceType, d.Classification, d.Text, hash,
		toNanos(d.CreatedAt), toNanos(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("storing document %s: %w", d.ID, err)
	}
	return nil
}

// GetDocument returns a document, including deleted ones.
func (s *Store) GetDocument(ctx context.Context, tenantID tenant.ID, id string) (Document, error) {
	if err := tenantID.Validate(); err != nil {
		return Document{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = ? AND id = ?`,
		string(tenantID), id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("loading document %s: %w", id, err)
	}
	return d, nil
}

// ListBacklog returns up to limit non-deleted documents with no embeddings,
// oldest update first. limit <= 0 means no limit.
func (s *Store) ListBacklog(ctx context.Context, tenantID tenant.ID, limit int) ([]Document, error) {
	return s.list(ctx, tenantID, "embedded_at IS NULL AND deleted_at IS NULL", limit)
}

// ListActive returns every non-deleted document.
func (s *Store) ListActive(ctx context.Context, tenantID tenant.ID) ([]Document, error) {
	return s.list(ctx, tenantID, "deleted_at IS NULL", 0)
}

func (s *Store) list(ctx context.Context, tenantID tenant.ID, where string, limit int) ([]Document, error) {
	if err := tenantID.Validate(); err != nil {
		return nil, err
	}
	q := `SELECT ` + documentColumns + ` FROM documents WHERE tenant_id = ? AND ` + where + ` ORDER BY updated_at, id`
	args := []any{string(tenantID)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// BacklogCount returns how many of the tenant's documents await embedding.
func (s *Store) BacklogCount(ctx context.Context, tenantID tenant.ID) (int, error) {
	if err := tenantID.Validate(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE tenant_id = ? AND embedded_at IS NULL AND deleted_at IS NULL`,
		string(tenantID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting backlog: %w", err)
	}
	return n, nil
}

// ActiveDocuments returns the non-deleted documents among ids, keyed by ID.
// Unknown and deleted IDs are absent from the result.
func (s *Store) ActiveDocuments(ctx context.Context, tenantID tenant.ID, ids []string) (map[string]Document, error) {
	if err := tenantID.Validate(); err != nil {
		return nil, err
	}
	out := make(map[string]Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, string(tenantID))
	for _, id := range ids {
		args = append(args, id)
	}
	q := `SELECT ` + documentColumns + ` FROM documents
		WHERE tenant_id = ? AND deleted_at IS NULL AND id IN (` + placeholders(len(ids)) + `)`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("loading documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

// MarkDeleted soft-deletes documents and drops their chunks from sparse
// search. It returns how many live documents were deleted.
func (s *Store) MarkDeleted(ctx context.Context, tenantID tenant.ID, ids []string) (int, error) {
	if err := tenantID.Validate(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := toNanos(time.Now())
	deleted := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE documents SET deleted_at = ?, embedded_at = NULL
			 WHERE tenant_id = ? AND id = ? AND deleted_at IS NULL`,
			now, string(tenantID), id)
		if err != nil {
			return 0, fmt.Errorf("deleting document %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)

		if err := deleteChunksTx(ctx, tx, tenantID, id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing deletion: %w", err)
	}
	return deleted, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
