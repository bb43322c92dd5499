// Package redact scrubs personal data from text before it is stored or logged.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Default placeholders.
const (
	EmailPlaceholder = "[REDACTED_EMAIL]"
	PhonePlaceholder = "[REDACTED_PHONE]"
)

// Rule maps a pattern to the placeholder that replaces every match.
type Rule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Placeholder string `yaml:"placeholder"`
}

// DefaultRules is the built-in ordered rule set. Email runs first so the
// digits of an address are never taken for a phone number.
var DefaultRules = []Rule{
	{Name: "email", Pattern: `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`, Placeholder: EmailPlaceholder},
	{Name: "phone", Pattern: `\+?\(?(?:\d[\s\-.()]{0,2}){9,}\d`, Placeholder: PhonePlaceholder},
}

// Redactor applies an ordered rule list in a single pass.
type Redactor struct {
	rules    []Rule
	combined *regexp.Regexp
	groups   []int
}

// New compiles rules into one alternation. Earlier rules win at the same offset.
func New(rules []Rule) (*Redactor, error) {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	parts := make([]string, 0, len(rules))
	for i, r := range rules {
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, fmt.Errorf("redaction rule %d (%s) has empty pattern", i, r.Name)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return nil, fmt.Errorf("redaction rule %s: %w", r.Name, err)
		}
		parts = append(parts, fmt.Sprintf("(?P<r%d>%s)", i, r.Pattern))
	}
	combined, err := regexp.Compile(strings.Join(parts, "|"))
	if err != nil {
		return nil, fmt.Errorf("compile redaction rules: %w", err)
	}
	groups := make([]int, len(rules))
	for i := range rules {
		groups[i] = combined.SubexpIndex(fmt.Sprintf("r%d", i))
	}
	rd := &Redactor{rules: append([]Rule(nil), rules...), combined: combined, groups: groups}
	for _, r := range rules {
		if combined.MatchString(r.Placeholder) {
			return nil, fmt.Errorf("redaction rule %s: placeholder %q matches a rule pattern", r.Name, r.Placeholder)
		}
	}
	return rd, nil
}

// Default returns a redactor over DefaultRules.
func Default() *Redactor {
	r, err := New(DefaultRules)
	if err != nil {
		panic(err)
	}
	return r
}

// Rules returns a copy of the configured rules.
func (r *Redactor) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// Redact replaces every match with its rule's placeholder.
func (r *Redactor) Redact(text string) string {
	if r == nil || text == "" {
		return text
	}
	matches := r.combined.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])
		b.WriteString(r.placeholderFor(m))
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

func (r *Redactor) placeholderFor(m []int) string {
	for i, g := range r.groups {
		if m[2*g] >= 0 {
			return r.rules[i].Placeholder
		}
	}
	return r.rules[len(r.rules)-1].Placeholder
}

// Value redacts strings nested anywhere inside maps and slices.
func (r *Redactor) Value(v any) any {
	switch t := v.(type) {
	case string:
		return r.Redact(t)
	case map[string]any:
		return r.Map(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.Value(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = r.Redact(item)
		}
		return out
	default:
		return v
	}
}

// Map returns a redacted copy of m.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = r.Value(v)
	}
	return out
}

// Excerpt redacts text and caps it at max runes, marking a cut with "…".
func (r *Redactor) Excerpt(text string, max int) string {
	out := strings.TrimSpace(r.Redact(text))
	if max <= 0 {
		return out
	}
	runes := []rune(out)
	if len(runes) <= max {
		return out
	}
	return string(runes[:max-1]) + "…"
}
