package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Line   int
	Match  string
}

// Result is the outcome of a Scrub call.
type Result struct {
	Text     string
	Findings []Finding
}

// Scrubber redacts secrets from text. The zero value is not usable; call New.
type Scrubber struct {
	enabled   bool
	allowlist *Allowlist
	logger    *zap.Logger

	once   sync.Once
	cfg    gitleaksConfig.Config
	cfgErr error
}

// New creates a Scrubber. The Gitleaks rule set is parsed lazily on first use.
func New(cfg config.SecretsConfig, logger *zap.Logger) (*Scrubber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	al, err := LoadAllowlist(cfg.AllowlistFile)
	if err != nil {
		return nil, err
	}
	al = al.Merge(cfg.AllowPatterns...)
	if err := al.validate(); err != nil {
		return nil, err
	}
	return &Scrubber{enabled: cfg.Enabled, allowlist: al, logger: logger}, nil
}

// Disabled returns a Scrubber that passes text through untouched.
func Disabled() *Scrubber {
	return &Scrubber{logger: zap.NewNop(), allowlist: &Allowlist{}}
}

// Enabled reports whether scrubbing is active.
func (s *Scrubber) Enabled() bool { return s.enabled }

func (s *Scrubber) loadConfig() {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		s.cfgErr = fmt.Errorf("loading gitleaks rules: %w", err)
		return
	}
	s.cfg = d.Config
	if len(s.allowlist.Regexes) == 0 {
		return
	}

	allow := &gitleaksConfig.Allowlist{Description: "corpusd allowlist"}
	for _, p := range s.allowlist.Regexes {
		// validated in New
		re := regexp.MustCompile(p)
		allow.Regexes = append(allow.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	s.cfg.Allowlists = append(s.cfg.Allowlists, allow)
}

// Scrub replaces every detected secret in text with a redaction marker.
// A detector is created per call because Gitleaks detectors accumulate
// findings internally.
func (s *Scrubber) Scrub(text string) (Result, error) {
	if !s.enabled || text == "" {
		return Result{Text: text}, nil
	}
	s.once.Do(s.loadConfig)
	if s.cfgErr != nil {
		return Result{}, s.cfgErr
	}

	found := detect.NewDetector(s.cfg).DetectString(text)
	if len(found) == 0 {
		return Result{Text: text}, nil
	}

	findings := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		findings = append(findings, Finding{RuleID: f.RuleID, Line: f.StartLine, Match: f.Secret})
	}

	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Match) > len(findings[j].Match)
	})
	out := text
	for _, f := range findings {
		out = strings.ReplaceAll(out, f.Match, "[REDACTED:"+f.RuleID+"]")
	}

	s.logger.Debug("redacted secrets", zap.Int("count", len(findings)))
	return Result{Text: out, Findings: findings}, nil
}

// ScrubString is Scrub returning only the redacted text.
func (s *Scrubber) ScrubString(text string) (string, error) {
	r, err := s.Scrub(text)
	if err != nil {
		return "", err
	}
	return r.Text, nil
}
