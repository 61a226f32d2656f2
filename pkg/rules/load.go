package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"guardrail/pkg/models"
)

// File is the on-disk rule format.
//
//	version: "2024-06"
//	include_defaults: true
//	rules:
//	  - id: internal_codename
//	    category: prompt_injection
//	    severity: HIGH
//	    pattern: '(?i)project\s+nightjar'
//	blocklist:
//	  - category: weapons
//	    severity: HIGH
//	    terms: ["bump stock"]
type File struct {
	Version         string          `yaml:"version"`
	IncludeDefaults bool            `yaml:"include_defaults"`
	Rules           []FileRule      `yaml:"rules"`
	Blocklist       []BlocklistTerm `yaml:"blocklist"`
}

type FileRule struct {
	ID        string `yaml:"id"`
	Category  string `yaml:"category"`
	Severity  string `yaml:"severity"`
	Pattern   string `yaml:"pattern"`
	Validator string `yaml:"validator"`
}

type BlocklistTerm struct {
	Category string   `yaml:"category"`
	Severity string   `yaml:"severity"`
	Terms    []string `yaml:"terms"`
}

var readFile = os.ReadFile

// Load reads a YAML rule file. When the file carries no version the content
// hash is used, so cache keys change whenever the rules do.
func Load(path string) (*Registry, error) {
	raw, err := readFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	version := strings.TrimSpace(f.Version)
	if version == "" {
		sum := sha256.Sum256(raw)
		version = "sha256:" + hex.EncodeToString(sum[:8])
	}

	var out []Rule
	if f.IncludeDefaults {
		out = append(out, Default().Rules()...)
	}
	for _, fr := range f.Rules {
		rule, err := compileRule(fr)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	for i, bl := range f.Blocklist {
		for j, term := range bl.Terms {
			term = strings.TrimSpace(term)
			if term == "" {
				continue
			}
			rule, err := compileRule(FileRule{
				ID:       fmt.Sprintf("blocklist_%s_%d_%d", bl.Category, i, j),
				Category: bl.Category,
				Severity: bl.Severity,
				Pattern:  termPattern(term),
			})
			if err != nil {
				return nil, err
			}
			out = append(out, rule)
		}
	}
	return New(version, out)
}

func compileRule(fr FileRule) (Rule, error) {
	sev, ok := models.ParseSeverity(fr.Severity)
	if !ok {
		return Rule{}, fmt.Errorf("%w: rule %q has severity %q", ErrInvalidRule, fr.ID, fr.Severity)
	}
	re, err := regexp.Compile(fr.Pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: rule %q: %v", ErrInvalidRule, fr.ID, err)
	}
	return Rule{
		ID:        fr.ID,
		Category:  Category(strings.ToLower(strings.TrimSpace(fr.Category))),
		Severity:  sev,
		Pattern:   re,
		Validator: Validator(strings.ToLower(strings.TrimSpace(fr.Validator))),
	}, nil
}

// termPattern matches a literal phrase case-insensitively on word boundaries,
// tolerating any run of whitespace between words.
func termPattern(term string) string {
	words := strings.Fields(term)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return `(?i)\b` + strings.Join(words, `\s+`) + `\b`
}
