package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist holds content patterns that are never treated as secrets.
type Allowlist struct {
	Regexes []string
}

// LoadAllowlist reads a Gitleaks-style TOML file:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_[A-Z]+''']
//
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}

	var file struct {
		Allowlist struct {
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	al := &Allowlist{Regexes: file.Allowlist.Regexes}
	if err := al.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return al, nil
}

// Merge returns the union of a and patterns.
func (a *Allowlist) Merge(patterns ...string) *Allowlist {
	out := &Allowlist{}
	if a != nil {
		out.Regexes = append(out.Regexes, a.Regexes...)
	}
	out.Regexes = append(out.Regexes, patterns...)
	return out
}

func (a *Allowlist) validate() error {
	for _, p := range a.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
	}
	return nil
}
