// Package rules holds the immutable pattern registry used by the detector and
// by audit redaction. A Registry is built once at startup and shared
// read-only between goroutines.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"guardrail/pkg/models"
)

type Category string

const (
	CategoryWeapons         Category = "weapons"
	CategoryExplosives      Category = "explosives"
	CategoryEmail           Category = "pii_email"
	CategorySSN             Category = "pii_ssn"
	CategoryCreditCard      Category = "pii_credit_card"
	CategoryPhone           Category = "pii_phone"
	CategoryIPAddress       Category = "pii_ip_address"
	CategoryIBAN            Category = "pii_iban"
	CategoryPromptInjection Category = "prompt_injection"
	CategoryObfuscation     Category = "obfuscation"
	CategoryClassifier      Category = "classifier"
)

var knownCategories = map[Category]bool{
	CategoryWeapons:         false,
	CategoryExplosives:      false,
	CategoryEmail:           true,
	CategorySSN:             true,
	CategoryCreditCard:      true,
	CategoryPhone:           true,
	CategoryIPAddress:       true,
	CategoryIBAN:            true,
	CategoryPromptInjection: false,
	CategoryObfuscation:     false,
	CategoryClassifier:      false,
}

func (c Category) Known() bool {
	_, ok := knownCategories[c]
	return ok
}

// IsPII reports whether spans of this category must never reach the audit
// store in clear text.
func (c Category) IsPII() bool { return knownCategories[c] }

var (
	ErrUnknownCategory  = errors.New("unknown rule category")
	ErrUnknownValidator = errors.New("unknown rule validator")
	ErrInvalidRule      = errors.New("invalid rule")
)

type Rule struct {
	ID        string
	Category  Category
	Severity  models.Severity
	Pattern   *regexp.Regexp
	Validator Validator
}

type Registry struct {
	version string
	rules   []Rule
}

// New validates the rules and returns a registry that is safe for concurrent
// use. The slice is copied.
func New(version string, rules []Rule) (*Registry, error) {
	if version == "" {
		return nil, fmt.Errorf("%w: empty ruleset version", ErrInvalidRule)
	}
	seen := map[string]bool{}
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		switch {
		case r.ID == "":
			return nil, fmt.Errorf("%w: rule without id", ErrInvalidRule)
		case seen[r.ID]:
			return nil, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, r.ID)
		case r.Pattern == nil:
			return nil, fmt.Errorf("%w: rule %q has no pattern", ErrInvalidRule, r.ID)
		case !r.Category.Known():
			return nil, fmt.Errorf("%w: %q in rule %q", ErrUnknownCategory, r.Category, r.ID)
		case !r.Validator.known():
			return nil, fmt.Errorf("%w: %q in rule %q", ErrUnknownValidator, r.Validator, r.ID)
		}
		if _, ok := models.ParseSeverity(string(r.Severity)); !ok || r.Severity == models.SeverityNone {
			return nil, fmt.Errorf("%w: rule %q has severity %q", ErrInvalidRule, r.ID, r.Severity)
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return &Registry{version: version, rules: out}, nil
}

func (r *Registry) Version() string { return r.version }

func (r *Registry) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Scan returns every validated match ordered by position.
func (r *Registry) Scan(text string) []models.Match {
	return r.scan(text, false)
}

// ScanPII is Scan restricted to PII categories.
func (r *Registry) ScanPII(text string) []models.Match {
	return r.scan(text, true)
}

func (r *Registry) scan(text string, piiOnly bool) []models.Match {
	if text == "" {
		return nil
	}
	var out []models.Match
	for _, rule := range r.rules {
		if piiOnly && !rule.Category.IsPII() {
			continue
		}
		for _, loc := range rule.Pattern.FindAllStringIndex(text, -1) {
			spans := [][2]int{{0, loc[1] - loc[0]}}
			if span := text[loc[0]:loc[1]]; !rule.Validator.valid(span) {
				// A greedy match can swallow trailing digits; retry its groups.
				spans = rule.Validator.subSpans(span)
			}
			for _, sp := range spans {
				out = append(out, models.Match{
					PatternID: rule.ID,
					Category:  string(rule.Category),
					Severity:  rule.Severity,
					Start:     loc[0] + sp[0],
					End:       loc[0] + sp[1],
				})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start == out[j].Start {
			return out[i].End > out[j].End
		}
		return out[i].Start < out[j].Start
	})
	return out
}
