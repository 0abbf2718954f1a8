package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fyrsmithlabs/corpusd/internal/cache"
	"go.uber.org/zap"
)

// maxPhraseWords bounds the n-grams matched against the synonym table.
const maxPhraseWords = 4

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// defaultSynonyms maps workplace acronyms to their expansions. Entries are
// used in both directions.
var defaultSynonyms = map[string][]string{
	"pto":  {"paid time off"},
	"ooo":  {"out of office"},
	"sso":  {"single sign on"},
	"okr":  {"objectives and key results"},
	"kpi":  {"key performance indicator"},
	"hr":   {"human resources"},
	"eng":  {"engineering"},
	"pr":   {"pull request"},
	"api":  {"application programming interface"},
	"faq":  {"frequently asked questions"},
	"sla":  {"service level agreement"},
	"eod":  {"end of day"},
	"wfh":  {"work from home"},
	"1:1":  {"one on one"},
	"roi":  {"return on investment"},
	"q&a":  {"questions and answers"},
	"mfa":  {"multi factor authentication", "2fa"},
	"k8s":  {"kubernetes"},
	"ci":   {"continuous integration"},
	"cd":   {"continuous delivery"},
	"p0":   {"sev0"},
	"rca":  {"root cause analysis", "postmortem"},
	"gtm":  {"go to market"},
	"arr":  {"annual recurring revenue"},
	"nda":  {"non disclosure agreement"},
	"poc":  {"proof of concept"},
	"spec": {"specification"},
}

// Expander appends synonyms and acronym expansions to queries. It is
// immutable once built.
type Expander struct {
	table map[string][]string // normalized phrase -> related phrases
}

// NewExpander builds an expander from an acronym-to-expansions table. Each
// mapping is added in both directions.
func NewExpander(synonyms map[string][]string) *Expander {
	table := make(map[string][]string)
	link := func(from, to string) {
		if from == "" || to == "" || from == to {
			return
		}
		for _, existing := range table[from] {
			if existing == to {
				return
			}
		}
		table[from] = append(table[from], to)
	}
	for key, values := range synonyms {
		k := normalizePhrase(key)
		for _, v := range values {
			n := normalizePhrase(v)
			link(k, n)
			link(n, k)
		}
	}
	for k := range table {
		sort.Strings(table[k])
	}
	return &Expander{table: table}
}

// DefaultExpander returns an expander over the built-in table.
func DefaultExpander() *Expander {
	return NewExpander(defaultSynonyms)
}

type synonymsFile struct {
	Synonyms map[string][]string `toml:"synonyms"`
}

// LoadExpander reads a TOML file with a [synonyms] table, for example
//
//	[synonyms]
//	pto = ["paid time off", "vacation"]
//
// An empty path or a missing file yields the built-in table. A file
// replaces the built-in table.
func LoadExpander(path string) (*Expander, error) {
	if path == "" {
		return DefaultExpander(), nil
	}
	var f synonymsFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultExpander(), nil
		}
		return nil, fmt.Errorf("parsing synonyms %s: %w", path, err)
	}
	return NewExpander(f.Synonyms), nil
}

// Len returns the number of phrases with expansions.
func (e *Expander) Len() int {
	return len(e.table)
}

// Terms returns the sorted expansions for query that are not already in it.
func (e *Expander) Terms(query string) []string {
	words := wordPattern.FindAllString(strings.ToLower(query), -1)
	present := make(map[string]struct{})
	var phrases []string
	for n := 1; n <= maxPhraseWords; n++ {
		for i := 0; i+n <= len(words); i++ {
			p := strings.Join(words[i:i+n], " ")
			if _, ok := present[p]; !ok {
				present[p] = struct{}{}
				phrases = append(phrases, p)
			}
		}
	}
	// Raw lowercase tokens keep keys such as "1:1" and "q&a" matchable.
	for _, f := range strings.Fields(strings.ToLower(query)) {
		f = strings.Trim(f, ".,;!?()\"'")
		if _, ok := present[f]; !ok && f != "" {
			present[f] = struct{}{}
			phrases = append(phrases, f)
		}
	}

	added := make(map[string]struct{})
	for _, p := range phrases {
		for _, syn := range e.table[p] {
			if _, ok := present[syn]; ok {
				continue
			}
			added[syn] = struct{}{}
		}
	}
	out := make([]string, 0, len(added))
	for t := range added {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Expand returns query followed by its expansion terms.
func (e *Expander) Expand(query string) string {
	terms := e.Terms(query)
	if len(terms) == 0 {
		return query
	}
	return query + " " + strings.Join(terms, " ")
}

func normalizePhrase(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NewExpanderFactory returns a versioned factory that loads the expander
// from path. Bump the factory to reload.
func NewExpanderFactory(path string, logger *zap.Logger) *cache.Factory[*Expander] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return cache.NewFactory("expander", func(_ context.Context, version uint64) (*Expander, error) {
		e, err := LoadExpander(path)
		if err != nil {
			return nil, err
		}
		logger.Info("query expander loaded",
			zap.String("path", path),
			zap.Uint64("version", version),
			zap.Int("phrases", e.Len()))
		return e, nil
	}, logger)
}

// WatchSynonyms bumps factory whenever the synonyms file changes.
func WatchSynonyms(ctx context.Context, path string, factory *cache.Factory[*Expander], logger *zap.Logger) error {
	if path == "" {
		return nil
	}
	return cache.WatchFile(ctx, path, logger, func() { factory.Bump() })
}
