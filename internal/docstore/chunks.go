package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/chunking"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
)

// StoredChunk is a chunk row as persisted for a document.
type StoredChunk struct {
	DocumentID  string
	Index       int
	PointID     string
	Fingerprint string
	Text        string
}

// SparseHit is a keyword match against chunk text.
type SparseHit struct {
	DocumentID string
	ChunkIndex int
	PointID    string
	Text       string
	Title      string
	SourceType string
	UpdatedAt  time.Time
	Score      float64 // higher is better
}

// ReplaceChunks swaps the stored chunks of a document for chunks and marks
// it embedded at embeddedAt, all in one transaction. contentHash is the hash
// of the text the chunks were cut from: when the stored text no longer has
// that hash ErrStale is returned and nothing changes. A missing or deleted
// document yields ErrNotFound.
func (s *Store) ReplaceChunks(ctx context.Context, tenantID tenant.ID, documentID, contentHash string, chunks []chunking.Chunk, embeddedAt time.Time) error {
	if err := tenantID.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET embedded_at = ?
		 WHERE tenant_id = ? AND id = ? AND content_hash = ? AND deleted_at IS NULL`,
		toNanos(embeddedAt), string(tenantID), documentID, contentHash)
	if err != nil {
		return fmt.Errorf("marking document %s embedded: %w", documentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var live int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM documents WHERE tenant_id = ? AND id = ? AND deleted_at IS NULL`,
			string(tenantID), documentID).Scan(&live)
		if err != nil {
			return fmt.Errorf("checking document %s: %w", documentID, err)
		}
		if live == 0 {
			return ErrNotFound
		}
		return ErrStale
	}

	if err := deleteChunksTx(ctx, tx, tenantID, documentID); err != nil {
		return err
	}
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (tenant_id, document_id, chunk_index, point_id, fingerprint, body)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			string(tenantID), documentID, c.Index, c.PointID, c.Fingerprint, c.Text); err != nil {
			return fmt.Errorf("storing chunk %d of %s: %w", c.Index, documentID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks_fts (body, tenant_id, document_id, chunk_index, point_id)
			 VALUES (?, ?, ?, ?, ?)`,
			c.Text, string(tenantID), documentID, c.Index, c.PointID); err != nil {
			return fmt.Errorf("indexing chunk %d of %s: %w", c.Index, documentID, err)
		}
	}
	return tx.Commit()
}

// Chunks returns the stored chunks of a document in index order.
func (s *Store) Chunks(ctx context.Context, tenantID tenant.ID, documentID string) ([]StoredChunk, error) {
	if err := tenantID.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, chunk_index, point_id, fingerprint, body FROM chunks
		 WHERE tenant_id = ? AND document_id = ? ORDER BY chunk_index`,
		string(tenantID), documentID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var out []StoredChunk
	for rows.Next() {
		var c StoredChunk
		if err := rows.Scan(&c.DocumentID, &c.Index, &c.PointID, &c.Fingerprint, &c.Text); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func deleteChunksTx(ctx context.Context, tx *sql.Tx, tenantID tenant.ID, documentID string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE tenant_id = ? AND document_id = ?`,
		string(tenantID), documentID); err != nil {
		return fmt.Errorf("removing indexed chunks of %s: %w", documentID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE tenant_id = ? AND document_id = ?`,
		string(tenantID), documentID); err != nil {
		return fmt.Errorf("removing chunks of %s: %w", documentID, err)
	}
	return nil
}

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// matchExpression turns free text into an FTS5 query that matches any of
// its terms. Terms are quoted so FTS operators in user input are inert.
func matchExpression(query string) string {
	seen := make(map[string]struct{})
	var terms []string
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(query), -1) {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		terms = append(terms, `"`+tok+`"`)
	}
	return strings.Join(terms, " OR ")
}

// SearchChunks runs a bm25 keyword search over the tenant's live chunks.
// A query with no searchable terms returns no hits.
func (s *Store) SearchChunks(ctx context.Context, tenantID tenant.ID, query string, limit int) ([]SparseHit, error) {
	if err := tenantID.Validate(); err != nil {
		return nil, err
	}
	expr := matchExpression(query)
	if expr == "" || limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunks_fts.document_id, chunks_fts.chunk_index, chunks_fts.point_id, chunks_fts.body,
		       d.title, d.source_type, d.updated_at, -bm25(chunks_fts) AS score
		FROM chunks_fts
		JOIN documents d ON d.tenant_id = chunks_fts.tenant_id AND d.id = chunks_fts.document_id
		WHERE chunks_fts MATCH ? AND chunks_fts.tenant_id = ? AND d.deleted_at IS NULL
		ORDER BY score DESC, chunks_fts.document_id, chunks_fts.chunk_index
		LIMIT ?`, expr, string(tenantID), limit)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	var hits []SparseHit
	for rows.Next() {
		var (
			h       SparseHit
			updated int64
		)
		if err := rows.Scan(&h.DocumentID, &h.ChunkIndex, &h.PointID, &h.Text,
			&h.Title, &h.SourceType, &updated, &h.Score); err != nil {
			return nil, fmt.Errorf("scanning hit: %w", err)
		}
		h.UpdatedAt = fromNanos(updated)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
