package rules

import (
	"math/big"
	"strings"
)

// Validator is a closed set of post-match checks that weed out regex false
// positives.
type Validator string

const (
	ValidatorNone Validator = ""
	ValidatorLuhn Validator = "luhn"
	ValidatorSSN  Validator = "ssn"
	ValidatorIBAN Validator = "iban"
)

func (v Validator) known() bool {
	switch v {
	case ValidatorNone, ValidatorLuhn, ValidatorSSN, ValidatorIBAN:
		return true
	default:
		return false
	}
}

func (v Validator) valid(s string) bool {
	switch v {
	case ValidatorLuhn:
		return luhnValid(digitsOnly(s))
	case ValidatorSSN:
		return ssnValid(digitsOnly(s))
	case ValidatorIBAN:
		return ibanValid(s)
	default:
		return true
	}
}

// subSpans returns the offsets of valid values nested inside a match that
// failed as a whole. Only card numbers are retried.
func (v Validator) subSpans(s string) [][2]int {
	if v != ValidatorLuhn {
		return nil
	}
	return luhnSpans(s)
}

// luhnSpans tries runs of whole digit groups, earliest start first and
// longest run first, so "4111 1111 1111 1111 12" yields the first four groups.
func luhnSpans(s string) [][2]int {
	type group struct{ start, end int }
	var groups []group
	for i := 0; i < len(s); {
		if s[i] < '0' || s[i] > '9' {
			i++
			continue
		}
		j := i
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		groups = append(groups, group{i, j})
		i = j
	}
	var out [][2]int
	for a := 0; a < len(groups); {
		best, digits := -1, 0
		for b := a; b < len(groups); b++ {
			digits += groups[b].end - groups[b].start
			if digits > 19 {
				break
			}
			if digits >= 13 && luhnValid(digitsOnly(s[groups[a].start:groups[b].end])) {
				best = b
			}
		}
		if best < 0 {
			a++
			continue
		}
		out = append(out, [2]int{groups[a].start, groups[best].end})
		a = best + 1
	}
	return out
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func luhnValid(number string) bool {
	if len(number) < 13 || len(number) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ssnValid rejects area 000, 666 and 9xx, group 00 and serial 0000.
func ssnValid(number string) bool {
	if len(number) != 9 {
		return false
	}
	area, group, serial := number[:3], number[3:5], number[5:]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

// ibanValid runs the ISO 13616 mod-97 check.
func ibanValid(raw string) bool {
	s := strings.ToUpper(strings.ReplaceAll(raw, " ", ""))
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	rearranged := s[4:] + s[:4]
	var b strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteString(big.NewInt(int64(r-'A') + 10).String())
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(b.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}
