package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/docstore"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
)

// SourceGapAnswer is the source type of documents created from answered
// knowledge gaps.
const SourceGapAnswer = "gap_answer"

// ErrInvalidGapAnswer reports a gap answer missing its question or answer.
var ErrInvalidGapAnswer = errors.New("gap answer requires question_id, question and answer")

// GapAnswer is an expert's answer to a question search could not answer.
type GapAnswer struct {
	TenantID   tenant.ID `json:"tenant_id"`
	QuestionID string    `json:"question_id"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	AnsweredAt time.Time `json:"answered_at"`
}

// DocumentID is the ID of the document the answer is stored as.
func (g GapAnswer) DocumentID() string {
	return "gap:" + g.QuestionID
}

// IndexGapAnswer stores the answer as a document and embeds it right away
// so the next search can use it. Answering the same question again replaces
// the previous answer.
func (s *Service) IndexGapAnswer(ctx context.Context, g GapAnswer) (Report, error) {
	if err := g.TenantID.Validate(); err != nil {
		return Report{}, err
	}
	if strings.TrimSpace(g.QuestionID) == "" || strings.TrimSpace(g.Question) == "" || strings.TrimSpace(g.Answer) == "" {
		return Report{}, ErrInvalidGapAnswer
	}
	if g.AnsweredAt.IsZero() {
		g.AnsweredAt = s.now().UTC()
	}

	doc := docstore.Document{
		TenantID:   g.TenantID,
		ID:         g.DocumentID(),
		Title:      strings.TrimSpace(g.Question),
		SourceType: SourceGapAnswer,
		Text:       strings.TrimSpace(g.Question) + "\n\n" + strings.TrimSpace(g.Answer),
		UpdatedAt:  g.AnsweredAt,
	}
	// Writing under the document lock keeps a run from recording chunks cut
	// from the previous answer.
	unlock, err := s.locks.Lock(ctx, lockKey(g.TenantID, doc.ID))
	if err != nil {
		return Report{}, err
	}
	err = s.docs.PutDocument(ctx, doc)
	unlock()
	if err != nil {
		return Report{}, err
	}
	return s.run(ctx, g.TenantID, []docstore.Document{doc}, false)
}
