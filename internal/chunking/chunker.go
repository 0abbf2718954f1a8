// Package chunking splits documents into overlapping chunks and derives the
// content fingerprints used as vector identifiers.
package chunking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"github.com/google/uuid"
)

const (
	// DefaultSize is the target chunk length in characters.
	DefaultSize = 2000

	// DefaultOverlap is the number of characters shared with the previous chunk.
	DefaultOverlap = 400
)

// pointNamespace seeds the UUIDv5 point IDs derived from fingerprints.
var pointNamespace = uuid.MustParse("9f0c1d7e-3b5a-4c2e-8d61-5a7e0b9c2f14")

// Chunk is a contiguous piece of a document's text.
type Chunk struct {
	TenantID    tenant.ID
	DocumentID  string
	Index       int
	Text        string
	Start       int // rune offset, inclusive
	End         int // rune offset, exclusive
	Fingerprint string
	PointID     string
}

// Chunker splits text into windows of Size characters overlapping by Overlap.
type Chunker struct {
	size    int
	overlap int
}

// New creates a Chunker. overlap must be smaller than size.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Split chunks text for the given tenant and document. Chunk boundaries move
// back to whitespace when there is some within the last tenth of the window.
// Whitespace-only text yields no chunks.
func (c *Chunker) Split(tenantID tenant.ID, documentID, text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	n := len(runes)
	lookback := c.size / 10

	var chunks []Chunk
	for start := 0; start < n; {
		end := start + c.size
		if end >= n {
			end = n
		} else {
			for i := end; i > end-lookback && i > start; i-- {
				if unicode.IsSpace(runes[i-1]) {
					end = i
					break
				}
			}
		}

		body := strings.TrimSpace(string(runes[start:end]))
		if body != "" {
			fp := Fingerprint(tenantID, body)
			chunks = append(chunks, Chunk{
				TenantID:    tenantID,
				DocumentID:  documentID,
				Index:       len(chunks),
				Text:        body,
				Start:       start,
				End:         end,
				Fingerprint: fp,
				PointID:     PointID(documentID, fp),
			})
		}

		if end == n {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// Fingerprint hashes the tenant and chunk text. Identical text under the same
// tenant always produces the same fingerprint, and different tenants never
// share one.
func Fingerprint(tenantID tenant.ID, text string) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// PointID maps a document's chunk fingerprint onto a stable UUID for vector
// stores that require UUID or integer identifiers. The document ID is mixed
// in so identical text in two documents never shares a point.
func PointID(documentID, fingerprint string) string {
	return uuid.NewSHA1(pointNamespace, []byte(documentID+"\x00"+fingerprint)).String()
}
