package rules

import (
	"strings"

	"guardrail/pkg/models"
)

// Redact replaces every PII span with [REDACTED:<category>]. It is the
// transformation applied to everything written to the audit store.
func (r *Registry) Redact(text string) string {
	return replaceSpans(text, r.ScanPII(text), "REDACTED")
}

// Mask replaces the given spans with [MASKED:<category>]. Used for MASK
// decisions before the body is forwarded to inference.
func Mask(text string, matches []models.Match) string {
	return replaceSpans(text, matches, "MASKED")
}

// replaceSpans expects matches ordered by Start (as Scan returns them) and
// folds overlapping spans into the first one.
func replaceSpans(text string, matches []models.Match, label string) string {
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	cursor := 0
	for _, m := range matches {
		if m.Start < cursor {
			if m.End > cursor {
				cursor = m.End
			}
			continue
		}
		if m.Start > len(text) || m.End > len(text) || m.End <= m.Start {
			continue
		}
		b.WriteString(text[cursor:m.Start])
		b.WriteString("[" + label + ":" + m.Category + "]")
		cursor = m.End
	}
	b.WriteString(text[cursor:])
	return b.String()
}
