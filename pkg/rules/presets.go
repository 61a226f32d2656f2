package rules

import (
	"fmt"
	"sort"
	"strings"

	"guardrail/pkg/models"
)

// Preset maps detection output to an action. A category override replaces the
// severity-derived action for that category.
type Preset struct {
	Name       string
	BySeverity map[models.Severity]models.Action
	Overrides  map[Category]models.Action
}

func (p Preset) severityAction(s models.Severity) models.Action {
	if a, ok := p.BySeverity[s]; ok {
		return a
	}
	if s == models.SeverityNone {
		return models.ActionAllow
	}
	return models.ActionBlock
}

func (p Preset) categoryAction(cat Category, s models.Severity) models.Action {
	if a, ok := p.Overrides[cat]; ok {
		return a
	}
	return p.severityAction(s)
}

// Decide returns the action for one detection. perCategory holds the highest
// severity seen for each matched category; merged is the overall severity
// after combination bumps. A bump above every single category applies the
// severity action on top of the per-category actions.
func (p Preset) Decide(merged models.Severity, perCategory map[string]models.Severity) models.Action {
	out := models.ActionAllow
	top := models.SeverityNone
	for cat, sev := range perCategory {
		out = models.MaxAction(out, p.categoryAction(Category(cat), sev))
		top = models.MaxSeverity(top, sev)
	}
	if merged.Rank() > top.Rank() {
		out = models.MaxAction(out, p.severityAction(merged))
	}
	return out
}

// MostSevere is the action used when a detection backend for the category is
// unreachable.
func (p Preset) MostSevere(cat Category) models.Action {
	if a, ok := p.Overrides[cat]; ok {
		return a
	}
	return p.severityAction(models.SeverityCritical)
}

func balanced() Preset {
	return Preset{
		Name: "balanced",
		BySeverity: map[models.Severity]models.Action{
			models.SeverityNone:     models.ActionAllow,
			models.SeverityLow:      models.ActionMask,
			models.SeverityMedium:   models.ActionFlag,
			models.SeverityHigh:     models.ActionAsk,
			models.SeverityCritical: models.ActionBlock,
		},
		Overrides: map[Category]models.Action{
			CategoryEmail:           models.ActionMask,
			CategoryPhone:           models.ActionMask,
			CategoryIPAddress:       models.ActionMask,
			CategoryIBAN:            models.ActionMask,
			CategoryCreditCard:      models.ActionBlock,
			CategorySSN:             models.ActionBlock,
			CategoryWeapons:         models.ActionBlock,
			CategoryExplosives:      models.ActionBlock,
			CategoryPromptInjection: models.ActionAsk,
			CategoryObfuscation:     models.ActionFlag,
			CategoryClassifier:      models.ActionBlock,
		},
	}
}

func withOverrides(base Preset, name string, changes map[Category]models.Action) Preset {
	out := Preset{Name: name, BySeverity: map[models.Severity]models.Action{}, Overrides: map[Category]models.Action{}}
	for k, v := range base.BySeverity {
		out.BySeverity[k] = v
	}
	for k, v := range base.Overrides {
		out.Overrides[k] = v
	}
	for k, v := range changes {
		out.Overrides[k] = v
	}
	return out
}

var builtinPresets = map[string]func() Preset{
	"balanced": balanced,
	"gdpr": func() Preset {
		return withOverrides(balanced(), "gdpr", map[Category]models.Action{
			CategoryIBAN:      models.ActionBlock,
			CategoryEmail:     models.ActionFlag,
			CategoryIPAddress: models.ActionFlag,
		})
	},
	"hipaa": func() Preset {
		return withOverrides(balanced(), "hipaa", map[Category]models.Action{
			CategoryPhone: models.ActionFlag,
			CategoryEmail: models.ActionFlag,
		})
	},
	"pci": func() Preset {
		return withOverrides(balanced(), "pci", map[Category]models.Action{
			CategoryIBAN: models.ActionBlock,
		})
	},
	"strict": func() Preset {
		p := withOverrides(balanced(), "strict", map[Category]models.Action{
			CategoryEmail:           models.ActionFlag,
			CategoryPhone:           models.ActionFlag,
			CategoryIPAddress:       models.ActionFlag,
			CategoryIBAN:            models.ActionBlock,
			CategoryPromptInjection: models.ActionBlock,
			CategoryObfuscation:     models.ActionAsk,
		})
		p.BySeverity[models.SeverityLow] = models.ActionFlag
		p.BySeverity[models.SeverityMedium] = models.ActionAsk
		p.BySeverity[models.SeverityHigh] = models.ActionBlock
		return p
	},
}

func PresetNames() []string {
	out := make([]string, 0, len(builtinPresets))
	for k := range builtinPresets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func LookupPreset(name string) (Preset, error) {
	fn, ok := builtinPresets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Preset{}, fmt.Errorf("unknown preset %q (known: %s)", name, strings.Join(PresetNames(), ", "))
	}
	return fn(), nil
}

// Policy is the set of presets in force. When several apply the most
// restrictive answer wins.
type Policy []Preset

// ResolvePolicy builds the active policy from the base preset plus any
// compliance presets. Duplicates are ignored.
func ResolvePolicy(base string, compliance ...string) (Policy, error) {
	if strings.TrimSpace(base) == "" {
		base = "balanced"
	}
	seen := map[string]bool{}
	var out Policy
	for _, name := range append([]string{base}, compliance...) {
		p, err := LookupPreset(name)
		if err != nil {
			return nil, err
		}
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out, nil
}

func (pol Policy) Decide(merged models.Severity, perCategory map[string]models.Severity) models.Action {
	if len(pol) == 0 {
		return balanced().Decide(merged, perCategory)
	}
	out := models.ActionAllow
	for _, p := range pol {
		out = models.MaxAction(out, p.Decide(merged, perCategory))
	}
	return out
}

func (pol Policy) MostSevere(cat Category) models.Action {
	if len(pol) == 0 {
		return balanced().MostSevere(cat)
	}
	out := models.ActionAllow
	for _, p := range pol {
		out = models.MaxAction(out, p.MostSevere(cat))
	}
	return out
}

func (pol Policy) Names() []string {
	out := make([]string, 0, len(pol))
	for _, p := range pol {
		out = append(out, p.Name)
	}
	return out
}
