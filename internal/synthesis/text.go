package synthesis

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	citationPattern = regexp.MustCompile(`\[(\d+(?:\s*,\s*\d+)*)\]`)
	wordPattern     = regexp.MustCompile(`[\p{L}\p{N}]+`)
)

// splitSentences splits text after '.', '!' or '?' followed by whitespace,
// and at line breaks. A citation directly after the punctuation stays with
// its sentence.
func splitSentences(text string) []string {
	var (
		out []string
		b   strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\n' {
			flush()
			continue
		}
		b.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// absorb trailing citations such as ". [2]"
		j := i + 1
		for {
			k := j
			for k < len(runes) && runes[k] == ' ' {
				k++
			}
			if k < len(runes) && runes[k] == '[' {
				end := k
				for end < len(runes) && runes[end] != ']' {
					end++
				}
				if end < len(runes) && citationPattern.MatchString(string(runes[k:end+1])) {
					b.WriteString(string(runes[j : end+1]))
					j = end + 1
					continue
				}
			}
			break
		}
		i = j - 1
		if j >= len(runes) || unicode.IsSpace(runes[j]) {
			flush()
		}
	}
	flush()
	return out
}

// citations returns the citation numbers in s in order of appearance.
func citations(s string) []int {
	var out []int
	for _, m := range citationPattern.FindAllStringSubmatch(s, -1) {
		for _, part := range strings.Split(m[1], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err == nil {
				out = append(out, n)
			}
		}
	}
	return out
}

// stripCitations removes citation markers from s.
func stripCitations(s string) string {
	return strings.Join(strings.Fields(citationPattern.ReplaceAllString(s, "")), " ")
}

// contentWords returns the distinct lowercase words of s that carry meaning.
func contentWords(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range wordPattern.FindAllString(strings.ToLower(s), -1) {
		if len(w) < 3 && !isNumber(w) {
			continue
		}
		if stopwords[w] {
			continue
		}
		set[stem(w)] = struct{}{}
	}
	return set
}

// stem strips a few English suffixes so plurals and tenses still match.
func stem(w string) string {
	for _, suf := range []string{"ing", "ed", "es", "s"} {
		if len(w) > len(suf)+3 && strings.HasSuffix(w, suf) {
			return strings.TrimSuffix(w, suf)
		}
	}
	return w
}

func isNumber(w string) bool {
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return w != ""
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true, "from": true,
	"was": true, "are": true, "were": true, "been": true, "being": true, "have": true,
	"has": true, "had": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "can": true, "this": true,
	"that": true, "these": true, "those": true, "you": true, "they": true, "their": true,
	"what": true, "which": true, "who": true, "when": true, "where": true, "why": true,
	"how": true, "our": true, "your": true, "its": true, "into": true, "about": true,
	"also": true, "than": true, "then": true, "there": true, "here": true, "any": true,
	"all": true, "not": true, "per": true, "each": true, "such": true, "via": true,
}
