package synthesis

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Passage is a ranked chunk offered to the synthesizer.
type Passage struct {
	DocumentID string
	ChunkIndex int
	Title      string
	Text       string
	UpdatedAt  time.Time
}

// Source is a passage admitted to the context window under its citation
// number.
type Source struct {
	Number     int       `json:"number"`
	DocumentID string    `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	UpdatedAt  time.Time `json:"updated_at"`
	Truncated  bool      `json:"truncated,omitempty"`
}

// EstimateTokens approximates the token count of text at four characters
// per token.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// header is the per-source line that precedes its text in the prompt.
func header(number int, title string) string {
	return fmt.Sprintf("[%d] %s\n", number, title)
}

// SelectSources numbers passages in rank order and keeps the longest prefix
// that fits in budget tokens, so the lowest ranked passages are dropped
// first. When not even the top passage fits, it is truncated to the budget.
// It returns the kept sources and how many passages were dropped.
func SelectSources(passages []Passage, budget int) ([]Source, int) {
	if len(passages) == 0 || budget <= 0 {
		return nil, len(passages)
	}

	var (
		out  []Source
		used int
	)
	for i, p := range passages {
		n := i + 1
		cost := EstimateTokens(header(n, p.Title)) + EstimateTokens(p.Text)
		if used+cost > budget {
			break
		}
		used += cost
		out = append(out, sourceFrom(n, p))
	}

	if len(out) == 0 {
		p := passages[0]
		room := budget - EstimateTokens(header(1, p.Title))
		if room <= 0 {
			return nil, len(passages)
		}
		s := sourceFrom(1, p)
		s.Text = truncateRunes(p.Text, room*4)
		s.Truncated = true
		out = append(out, s)
	}
	return out, len(passages) - len(out)
}

func sourceFrom(n int, p Passage) Source {
	return Source{
		Number:     n,
		DocumentID: p.DocumentID,
		ChunkIndex: p.ChunkIndex,
		Title:      p.Title,
		Text:       p.Text,
		UpdatedAt:  p.UpdatedAt,
	}
}

// truncateRunes cuts text to at most n runes, preferring a word boundary.
func truncateRunes(text string, n int) string {
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	cut := string(r[:n])
	if i := strings.LastIndexAny(cut, " \n\t"); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}

// renderSources formats sources for a prompt.
func renderSources(sources []Source) string {
	var b strings.Builder
	for _, s := range sources {
		b.WriteString(header(s.Number, s.Title))
		b.WriteString(s.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}
