package synthesis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passages(texts ...string) []Passage {
	out := make([]Passage, len(texts))
	for i, t := range texts {
		out[i] = Passage{DocumentID: fmt.Sprintf("doc-%d", i+1), Title: fmt.Sprintf("Doc %d", i+1), Text: t}
	}
	return out
}

func TestSelectSources(t *testing.T) {
	long := strings.Repeat("word ", 400) // ~500 tokens

	tests := []struct {
		name        string
		passages    []Passage
		budget      int
		wantNumbers []int
		wantDropped int
		truncated   bool
	}{
		{"all fit", passages("a b c", "d e f"), 100, []int{1, 2}, 0, false},
		{"lowest ranked dropped first", passages("short one", long, "short two"), 300, []int{1}, 2, false},
		{"top source truncated", passages(long, "short"), 100, []int{1}, 1, true},
		{"empty", nil, 100, nil, 0, false},
		{"zero budget", passages("x"), 0, nil, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, dropped := SelectSources(tt.passages, tt.budget)
			var numbers []int
			total := 0
			for _, s := range got {
				numbers = append(numbers, s.Number)
				total += EstimateTokens(header(s.Number, s.Title)) + EstimateTokens(s.Text)
				assert.Equal(t, tt.truncated, s.Truncated)
			}
			assert.Equal(t, tt.wantNumbers, numbers)
			assert.Equal(t, tt.wantDropped, dropped)
			assert.LessOrEqual(t, total, max(tt.budget, 0))
		})
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"One fact [1]. Another fact [2].", []string{"One fact [1].", "Another fact [2]."}},
		{"Trailing cite. [3] Next one!", []string{"Trailing cite. [3]", "Next one!"}},
		{"Version 3.5 shipped [1].", []string{"Version 3.5 shipped [1]."}},
		{"Line one\nLine two", []string{"Line one", "Line two"}},
		{"", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitSentences(tt.in), tt.in)
	}
}

func TestCitations(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3}, citations("a [1] b [2, 3]"))
	assert.Empty(t, citations("no cites [x]"))
	assert.Equal(t, "a b", stripCitations("a [1] b [2, 3]"))
}

func TestOverlapVerifier(t *testing.T) {
	sources := []Source{
		{Number: 1, Title: "Vacation", Text: "Employees accrue fifteen days of paid vacation per year."},
		{Number: 2, Title: "Expenses", Text: "Expense reports are due within thirty days of purchase."},
	}
	v := NewOverlapVerifier(0.5)

	tests := []struct {
		name       string
		answer     string
		statuses   []string
		confidence float64
	}{
		{
			name:       "all verified",
			answer:     "Employees accrue fifteen vacation days per year [1]. Expense reports are due within thirty days [2].",
			statuses:   []string{ClaimVerified, ClaimVerified},
			confidence: 1,
		},
		{
			name:       "wrong source cited",
			answer:     "Employees accrue fifteen vacation days [2].",
			statuses:   []string{ClaimUnsupported},
			confidence: 0,
		},
		{
			name:       "uncited claim",
			answer:     "Employees accrue fifteen vacation days [1]. The office closes on Fridays.",
			statuses:   []string{ClaimVerified, ClaimUnsupported},
			confidence: 0.5,
		},
		{
			name:       "unknown citation",
			answer:     "Employees accrue fifteen vacation days [7].",
			statuses:   []string{ClaimInvalidCitation},
			confidence: 0,
		},
		{
			name:       "one valid citation is enough",
			answer:     "Expense reports are due within thirty days [7, 2].",
			statuses:   []string{ClaimVerified},
			confidence: 1,
		},
		{
			name:       "empty answer",
			answer:     "",
			confidence: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(context.Background(), tt.answer, sources)
			require.NoError(t, err)
			var statuses []string
			for _, c := range got.Claims {
				statuses = append(statuses, c.Status)
			}
			assert.Equal(t, tt.statuses, statuses)
			assert.InDelta(t, tt.confidence, got.Confidence, 1e-9)
		})
	}
}

func TestOverlapVerifier_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewOverlapVerifier(0).Verify(ctx, "x [1].", nil)
	assert.ErrorIs(t, err, ErrVerificationUnavailable)
}

func TestExtractiveGenerator(t *testing.T) {
	sources := []Source{
		{Number: 1, Title: "Vacation", Text: "The office has a kitchen. Employees accrue fifteen days of paid vacation per year."},
		{Number: 2, Title: "Expenses", Text: "Expense reports are due within thirty days."},
	}
	got, err := NewExtractiveGenerator().Generate(context.Background(), "how many vacation days do employees accrue", sources)
	require.NoError(t, err)
	assert.Contains(t, got, "Employees accrue fifteen days of paid vacation per year [1].")
	assert.NotContains(t, got, "kitchen")

	v, err := NewOverlapVerifier(0.5).Verify(context.Background(), got, sources)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Confidence, "extractive answers verify against their sources")

	_, err = NewExtractiveGenerator().Generate(context.Background(), "q", nil)
	assert.ErrorIs(t, err, ErrNoSources)
}

type stubGenerator struct {
	text string
	err  error
}

func (g stubGenerator) Generate(context.Context, string, []Source) (string, error) {
	return g.text, g.err
}

type failingVerifier struct{}

func (failingVerifier) Verify(context.Context, string, []Source) (Verification, error) {
	return Verification{}, fmt.Errorf("%w: model offline", ErrVerificationUnavailable)
}

func TestSynthesize(t *testing.T) {
	ctx := context.Background()
	ps := passages("Employees accrue fifteen days of paid vacation per year.")

	t.Run("verified", func(t *testing.T) {
		s := New(Config{}, stubGenerator{text: "Employees accrue fifteen days of paid vacation per year [1]."}, nil)
		ans, err := s.Synthesize(ctx, "vacation", ps, true)
		require.NoError(t, err)
		assert.Equal(t, StatusVerified, ans.Status)
		assert.Equal(t, 1.0, ans.Confidence)
		require.Len(t, ans.Sources, 1)
		assert.Equal(t, "doc-1", ans.Sources[0].DocumentID)
	})

	t.Run("partial", func(t *testing.T) {
		s := New(Config{}, stubGenerator{text: "Employees accrue fifteen vacation days [1]. Bonuses are paid quarterly [1]."}, nil)
		ans, err := s.Synthesize(ctx, "vacation", ps, true)
		require.NoError(t, err)
		assert.Equal(t, StatusPartial, ans.Status)
		assert.InDelta(t, 0.5, ans.Confidence, 1e-9)
	})

	t.Run("verifier down degrades to unverified", func(t *testing.T) {
		s := New(Config{}, stubGenerator{text: "Anything [1]."}, failingVerifier{})
		ans, err := s.Synthesize(ctx, "vacation", ps, true)
		require.NoError(t, err)
		assert.Equal(t, StatusUnverified, ans.Status)
		assert.Zero(t, ans.Confidence)
		assert.Equal(t, "Anything [1].", ans.Text)
	})

	t.Run("validation skipped", func(t *testing.T) {
		s := New(Config{}, stubGenerator{text: "Anything [1]."}, failingVerifier{})
		ans, err := s.Synthesize(ctx, "vacation", ps, false)
		require.NoError(t, err)
		assert.Equal(t, StatusNotValidated, ans.Status)
	})

	t.Run("no passages", func(t *testing.T) {
		s := New(Config{}, stubGenerator{err: errors.New("must not be called")}, nil)
		ans, err := s.Synthesize(ctx, "vacation", nil, true)
		require.NoError(t, err)
		assert.Equal(t, StatusNoMatches, ans.Status)
		assert.Empty(t, ans.Text)
	})

	t.Run("generator down uses fallback", func(t *testing.T) {
		gen := stubGenerator{err: &GenerationError{Model: "m", Err: errors.New("503")}}
		s := New(Config{}, gen, nil, WithFallback(NewExtractiveGenerator()))
		ans, err := s.Synthesize(ctx, "vacation days", ps, true)
		require.NoError(t, err)
		assert.Equal(t, []string{DegradedGeneration}, ans.Degraded)
		assert.Greater(t, ans.Confidence, 0.0)
	})

	t.Run("generator down without fallback", func(t *testing.T) {
		gen := stubGenerator{err: &GenerationError{Model: "m", Err: errors.New("503")}}
		_, err := New(Config{}, gen, nil).Synthesize(ctx, "vacation", ps, true)
		assert.ErrorIs(t, err, ErrGeneration)
	})
}

func TestOpenAIGenerator(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":0,"model":"test-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Fifteen days [1]."},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	gen, err := NewOpenAIGenerator(config.SynthesisConfig{BaseURL: srv.URL, Model: "test-model", APIKey: "sk-test"})
	require.NoError(t, err)

	out, err := gen.Generate(context.Background(), "how many days", []Source{{Number: 1, Title: "T", Text: "Fifteen days."}})
	require.NoError(t, err)
	assert.Equal(t, "Fifteen days [1].", out)
	assert.Equal(t, "Bearer sk-test", auth)

	_, err = NewOpenAIGenerator(config.SynthesisConfig{})
	assert.Error(t, err)
}

func TestOpenAIGenerator_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gen, err := NewOpenAIGenerator(config.SynthesisConfig{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)
	_, err = gen.Generate(context.Background(), "q", []Source{{Number: 1, Text: "x"}})
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("what is sso", []Source{{Number: 1, Title: "SSO", Text: "Single sign-on uses Okta."}, {Number: 2, Title: "VPN", Text: "Use WireGuard."}})
	assert.Contains(t, p, "[1] SSO\nSingle sign-on uses Okta.")
	assert.Contains(t, p, "[2] VPN\nUse WireGuard.")
	assert.Contains(t, p, "Question: what is sso")
}
