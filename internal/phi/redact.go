package phi

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// maxPasses bounds the replace-until-stable loop. Placeholders never match a
// kind rule, so a well-formed rule set settles after the first or second pass.
const maxPasses = 4

// ErrIncompleteRedaction is returned when a redacted text still contains a
// match for a configured pattern.
var ErrIncompleteRedaction = errors.New("redacted text still contains protected values")

// Document is an uploaded file awaiting de-identification.
type Document struct {
	Name    string
	Content []byte
}

// RedactionResult is the outcome of a successful Execute call.
type RedactionResult struct {
	// Text is the redacted document.
	Text string
}

// Redactor is the capability boundary for de-identification. Implementations
// may run in-process or delegate to an external program.
type Redactor interface {
	Execute(ctx context.Context, doc Document) (*RedactionResult, error)
}

// Rule is a redaction-only pattern. When Group is zero the whole match is
// replaced with Replacement; otherwise only the span of that group is.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
	Group       int
}

// SupplementalRules returns the block and label rules applied in addition to
// the field kinds. They cover content that is not stored for re-identification
// but must not survive into the redacted document.
func SupplementalRules() []Rule {
	return []Rule{
		{
			Name:        "hospital",
			Pattern:     regexp.MustCompile(`Hospital name:[ \t]*[^\n]+`),
			Replacement: "Hospital name: *hospital*",
		},
		{
			Name:        "allergies",
			Pattern:     regexp.MustCompile(`Allergies:\r?\n(?:- [^\n]*(?:\n|$))+`),
			Replacement: "Allergies:\n*allergies*\n",
		},
		{
			Name:        "lab_results",
			Pattern:     regexp.MustCompile(`Lab Results \(\d{2}/\d{2}/\d{4}\):\r?\n(?:- [^\n]*(?:\n|$))+`),
			Replacement: "Lab Results: \n*labs*\n",
		},
		{
			Name:        "medicaid_account",
			Pattern:     regexp.MustCompile(`Medicaid account:[ \t]*(?:\d{4}[ \t]){3}\d{4}`),
			Replacement: "Medicaid account: *account*",
		},
		{
			Name:        "social_worker",
			Pattern:     regexp.MustCompile(`Social worker:[ \t]*(?:(?:Dr|Mr|Ms|Mrs)\.[ \t]?)?[A-Z][a-z]+(?:[ \t][A-Z][a-z]+)*(?:,[ \t]MD)?`),
			Replacement: "Social worker: *name*",
		},
	}
}

// PatternRedactor redacts in-process using the field kind rules, mention
// propagation for extracted names, and any extra rules.
type PatternRedactor struct {
	extra []Rule
}

// NewPatternRedactor returns a redactor applying the kind rules plus extra.
// Pass SupplementalRules() (and any rules loaded from a rules file) as extra.
func NewPatternRedactor(extra ...Rule) *PatternRedactor {
	return &PatternRedactor{extra: extra}
}

// Execute extracts fields from the document and redacts every occurrence.
func (r *PatternRedactor) Execute(ctx context.Context, doc Document) (*RedactionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := strings.ToValidUTF8(string(doc.Content), "\uFFFD")
	fields := Extract(text)

	redacted, err := r.Redact(text, fields)
	if err != nil {
		return nil, err
	}
	return &RedactionResult{Text: redacted}, nil
}

// Redact replaces every span matched by any rule, not only the occurrence
// kept in fields, and verifies that nothing protected remains.
func (r *PatternRedactor) Redact(text string, fields FieldSet) (string, error) {
	rules := r.rules(fields)
	out := text
	for pass := 0; pass < maxPasses; pass++ {
		next := applyRules(out, rules)
		if next == out {
			break
		}
		out = next
	}
	if err := r.verify(out, rules); err != nil {
		return "", err
	}
	return out, nil
}

// Verify checks that text holds no value for any field kind and that a
// further redaction pass would leave it unchanged.
func (r *PatternRedactor) Verify(text string) error {
	return r.verify(text, r.rules(Extract(text)))
}

func (r *PatternRedactor) verify(text string, rules []Rule) error {
	residual := Extract(text)
	if !residual.Empty() {
		kinds := make([]string, 0, residual.Len())
		for _, m := range residual.Present() {
			kinds = append(kinds, m.Kind.String())
		}
		return fmt.Errorf("%w: %s", ErrIncompleteRedaction, strings.Join(kinds, ", "))
	}
	if applyRules(text, rules) != text {
		return fmt.Errorf("%w: redaction did not reach a fixed point", ErrIncompleteRedaction)
	}
	return nil
}

func (r *PatternRedactor) rules(fields FieldSet) []Rule {
	rules := make([]Rule, 0, int(numFieldKinds)+len(r.extra)+4)
	for _, kind := range AllFieldKinds() {
		rules = append(rules, Rule{
			Name:        kind.String(),
			Pattern:     kindRules[kind],
			Replacement: kind.Placeholder(),
			Group:       1,
		})
	}
	rules = append(rules, mentionRules(fields)...)
	return append(rules, r.extra...)
}

var providerNameRe = regexp.MustCompile(`^(?:Dr\.[ \t]*)?(.+?),[ \t]*MD$`)

// mentionRules builds rules that remove free-floating mentions of the
// extracted patient and provider names, which the label-bound kind rules do
// not reach.
func mentionRules(fields FieldSet) []Rule {
	var rules []Rule
	if name, ok := fields.Value(FieldName); ok {
		rules = append(rules, nameMentionRules("patient", name, `(?:(?:Mr|Ms|Mrs)\.?[ \t]*)?`, FieldName.Placeholder())...)
	}
	if provider, ok := fields.Value(FieldProvider); ok {
		if m := providerNameRe.FindStringSubmatch(provider); m != nil {
			rules = append(rules, nameMentionRules("provider", strings.TrimSpace(m[1]), `Dr\.?[ \t]*`, FieldProvider.Placeholder())...)
		}
	}
	return rules
}

func nameMentionRules(label, full, titlePrefix, placeholder string) []Rule {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return nil
	}
	rules := []Rule{{
		Name:        label + "_full_name",
		Pattern:     regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(strings.Join(parts, " ")) + `\b`),
		Replacement: placeholder,
	}}
	surname := parts[len(parts)-1]
	if len(parts) > 1 && len(surname) > 1 {
		rules = append(rules, Rule{
			Name:        label + "_surname",
			Pattern:     regexp.MustCompile(`(?i)\b` + titlePrefix + regexp.QuoteMeta(surname) + `\b`),
			Replacement: placeholder,
		})
	}
	return rules
}

func applyRules(text string, rules []Rule) string {
	for _, rule := range rules {
		text = replaceAll(text, rule)
	}
	return text
}

func replaceAll(text string, rule Rule) string {
	locs := rule.Pattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if rule.Group > 0 {
			if 2*rule.Group+1 >= len(loc) || loc[2*rule.Group] < 0 {
				continue
			}
			start, end = loc[2*rule.Group], loc[2*rule.Group+1]
		}
		if insidePlaceholder(text, start, end) {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(rule.Replacement)
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

// insidePlaceholder reports whether text[start:end] is the body of a
// placeholder such as *name*. Matching there would wrap the placeholder again
// on every pass.
func insidePlaceholder(text string, start, end int) bool {
	if start < 1 || end >= len(text) || start >= end {
		return false
	}
	if text[start-1] != '*' || text[end] != '*' {
		return false
	}
	for i := start; i < end; i++ {
		c := text[i]
		if (c < 'a' || c > 'z') && c != '_' {
			return false
		}
	}
	return true
}
