package detect

import (
	"math"
	"unicode"
	"unicode/utf8"

	"guardrail/pkg/models"
	"guardrail/pkg/rules"
)

// shannon returns the Shannon entropy of s in bits per rune.
func shannon(s string) float64 {
	if s == "" {
		return 0
	}
	freq := map[rune]int{}
	n := 0
	for _, r := range s {
		freq[r]++
		n++
	}
	var h float64
	for _, c := range freq {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}

// entropyMatches flags long whitespace-delimited tokens whose entropy suggests
// an encoded or obfuscated payload.
func entropyMatches(text string, minToken int, threshold float64) []models.Match {
	var out []models.Match
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		tok := text[start:end]
		if utf8.RuneCountInString(tok) >= minToken && shannon(tok) >= threshold {
			out = append(out, models.Match{
				PatternID: "high_entropy_token",
				Category:  string(rules.CategoryObfuscation),
				Severity:  models.SeverityMedium,
				Start:     start,
				End:       end,
			})
		}
		start = -1
	}
	for i, r := range text {
		if unicode.IsSpace(r) {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	flush(len(text))
	return out
}
