// Package detect rejects contract deliveries that are incomplete, placeholder,
// or unverifiable. Validation is pure: identical output, criteria, and rules
// always produce the identical result, so verdicts are reproducible from the
// audit log.
package detect

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"teamline/internal/domain"
)

// ReferencesField is the payload field the cross-reference check reads.
const ReferencesField = "references"

// Rules carries the compiled deny-list and claim patterns.
type Rules struct {
	deny   []*regexp.Regexp
	claims []*regexp.Regexp
}

// CompileRules builds Rules from raw pattern strings. Claim patterns must
// capture the claimed integration target in their first group.
func CompileRules(deny, claims []string) (Rules, error) {
	var r Rules
	for _, pat := range deny {
		re, err := regexp.Compile(pat)
		if err != nil {
			return Rules{}, fmt.Errorf("deny pattern %q: %w", pat, err)
		}
		r.deny = append(r.deny, re)
	}
	for _, pat := range claims {
		re, err := regexp.Compile(pat)
		if err != nil {
			return Rules{}, fmt.Errorf("claim pattern %q: %w", pat, err)
		}
		if re.NumSubexp() < 1 {
			return Rules{}, fmt.Errorf("claim pattern %q must capture the claimed target", pat)
		}
		r.claims = append(r.claims, re)
	}
	return r, nil
}

// locatorRe matches externally verifiable references: endpoints, file paths,
// commit-ish hashes, and transaction ids.
var locatorRe = regexp.MustCompile(`https?://\S+|(^|\s)/[\w.\-/]+|\b[0-9a-f]{7,40}\b|\btxn[:_-][\w-]+`)

// Validate runs the ordered check pipeline against a delivered output:
// structural completeness, banned-pattern scan, then cross-reference check.
// Any single failed check fails the whole result; every violated criterion is
// enumerated.
func Validate(output []byte, criteria []domain.Criterion, rules Rules) domain.ValidationResult {
	var violations []domain.Violation

	var doc map[string]any
	if err := json.Unmarshal(output, &doc); err != nil {
		return domain.ValidationResult{
			Pass:       false,
			Violations: []domain.Violation{{Criterion: "well-formed-output", Evidence: err.Error()}},
		}
	}

	// (a) structural completeness
	for _, cr := range criteria {
		v, ok := doc[cr.Field]
		if !ok || empty(v) {
			violations = append(violations, domain.Violation{
				Criterion: cr.Name,
				Evidence:  fmt.Sprintf("field %q missing or empty", cr.Field),
			})
			continue
		}
		if cr.Kind == "reference" {
			for i, entry := range asSlice(v) {
				if !hasLocator(entry) {
					violations = append(violations, domain.Violation{
						Criterion: cr.Name,
						Evidence:  fmt.Sprintf("field %q entry %d has no verifiable locator", cr.Field, i),
					})
				}
			}
		}
	}

	texts := stringValues(doc)

	// (b) banned-pattern scan
	for _, re := range rules.deny {
		for _, tv := range texts {
			if m := re.FindString(tv.value); m != "" {
				violations = append(violations, domain.Violation{
					Criterion: "no-placeholder-output",
					Evidence:  fmt.Sprintf("%s matched %q at %s", re.String(), m, tv.path),
				})
			}
		}
	}

	// (c) cross-reference check: every integration claim needs a concrete
	// reference in the payload, not prose alone.
	refs := asSlice(doc[ReferencesField])
	for _, re := range rules.claims {
		for _, tv := range texts {
			if strings.HasPrefix(tv.path, ReferencesField) {
				continue
			}
			for _, m := range re.FindAllStringSubmatch(tv.value, -1) {
				target := m[len(m)-1]
				if !referenced(refs, target) {
					violations = append(violations, domain.Violation{
						Criterion: "verifiable-reference",
						Evidence:  fmt.Sprintf("claim %q at %s has no verifiable reference for %q", m[0], tv.path, target),
					})
				}
			}
		}
	}

	return domain.ValidationResult{Pass: len(violations) == 0, Violations: violations}
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func asSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	if v == nil {
		return nil
	}
	return []any{v}
}

// referenced reports whether some reference entry names the target and carries
// a verifiable locator.
func referenced(refs []any, target string) bool {
	needle := strings.ToLower(target)
	for _, ref := range refs {
		text := flatten(ref)
		if strings.Contains(strings.ToLower(text), needle) && hasLocator(ref) {
			return true
		}
	}
	return false
}

func hasLocator(v any) bool {
	return locatorRe.MatchString(flatten(v))
}

func flatten(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(flatten(t[k]))
			b.WriteString(" ")
		}
		return b.String()
	case []any:
		var b strings.Builder
		for _, e := range t {
			b.WriteString(flatten(e))
			b.WriteString(" ")
		}
		return b.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

type textValue struct {
	path  string
	value string
}

// stringValues walks the document in sorted-key order so scan output is
// deterministic regardless of map iteration.
func stringValues(doc map[string]any) []textValue {
	var out []textValue
	var walk func(path string, v any)
	walk = func(path string, v any) {
		switch t := v.(type) {
		case string:
			out = append(out, textValue{path: path, value: t})
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(path+"."+k, t[k])
			}
		case []any:
			for i, e := range t {
				walk(fmt.Sprintf("%s[%d]", path, i), e)
			}
		}
	}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		walk(k, doc[k])
	}
	return out
}
