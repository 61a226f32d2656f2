package rules

import (
	"regexp"

	"guardrail/pkg/models"
)

const DefaultVersion = "builtin-3"

type ruleSpec struct {
	id        string
	category  Category
	severity  models.Severity
	pattern   string
	validator Validator
}

var defaultSpecs = []ruleSpec{
	{"pii_ssn", CategorySSN, models.SeverityCritical, `\b\d{3}-\d{2}-\d{4}\b`, ValidatorSSN},
	{"pii_credit_card", CategoryCreditCard, models.SeverityCritical, `\b\d(?:[ -]?\d){12,18}\b`, ValidatorLuhn},
	{"pii_email", CategoryEmail, models.SeverityMedium, `\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`, ValidatorNone},
	{"pii_phone", CategoryPhone, models.SeverityLow, `(?:\+?1[-.\s])?\(?\b[2-9]\d{2}\)?[-.\s]\d{3}[-.\s]\d{4}\b`, ValidatorNone},
	{"pii_ip_address", CategoryIPAddress, models.SeverityLow, `\b(?:(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\b`, ValidatorNone},
	{"pii_iban", CategoryIBAN, models.SeverityHigh, `\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`, ValidatorIBAN},
	{"ignore_instructions", CategoryPromptInjection, models.SeverityHigh, `(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`, ValidatorNone},
	{"system_prompt_extract", CategoryPromptInjection, models.SeverityHigh, `(?i)(repeat|show|print|reveal|output)\s+(your\s+)?(system\s+prompt|hidden\s+instructions)`, ValidatorNone},
	{"prompt_override", CategoryPromptInjection, models.SeverityHigh, `(?i)(disregard|forget|override)\s+(all\s+)?(previous|prior|above|your)\s+(instructions|rules|guidelines)`, ValidatorNone},
	{"jailbreak_persona", CategoryPromptInjection, models.SeverityHigh, `(?i)(you\s+are\s+now\s+DAN|act\s+as\s+(an?\s+)?(unrestricted|unfiltered|uncensored))`, ValidatorNone},
	{"explosive_synthesis", CategoryExplosives, models.SeverityCritical, `(?i)\b(build|make|assemble|manufacture|synthesi[sz]e)\s+(an?\s+)?(pipe\s+bomb|bomb|explosive\s+device|ied|detonator|tatp|nitroglycerin)\b`, ValidatorNone},
	{"weapon_manufacture", CategoryWeapons, models.SeverityHigh, `(?i)\b(ghost\s+gun|untraceable\s+(fire)?arm|3d[-\s]?printed\s+(gun|firearm)|auto\s*sear|convert\b.{0,30}\bfull[-\s]?auto)\b`, ValidatorNone},
}

// Default returns the built-in registry. It panics only if a built-in pattern
// fails to compile, which tests guard against.
func Default() *Registry {
	compiled := make([]Rule, 0, len(defaultSpecs))
	for _, s := range defaultSpecs {
		compiled = append(compiled, Rule{
			ID:        s.id,
			Category:  s.category,
			Severity:  s.severity,
			Pattern:   regexp.MustCompile(s.pattern),
			Validator: s.validator,
		})
	}
	reg, err := New(DefaultVersion, compiled)
	if err != nil {
		panic(err)
	}
	return reg
}
