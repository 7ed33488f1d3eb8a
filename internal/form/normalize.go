package form

import (
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// aliases maps spoken field names to canonical ones.
var aliases = map[string]string{
	"full name":      "name",
	"your name":      "name",
	"first":          "first_name",
	"last":           "last_name",
	"surname":        "last_name",
	"family name":    "last_name",
	"e-mail":         "email",
	"email address":  "email",
	"phone number":   "phone",
	"telephone":      "phone",
	"mobile":         "phone",
	"age range":      "age_range",
	"how old":        "age",
	"company name":   "company",
	"organization":   "company",
	"comments":       "message",
	"feedback":       "message",
	"rating":         "rating",
	"score":          "rating",
	"recommend":      "recommend",
	"recommendation": "recommend",
}

// affirmative values coerce a boolean field to "true".
var affirmative = []string{"yes", "true", "1", "positive", "definitely", "sure", "absolutely"}

var (
	digitRun    = regexp.MustCompile(`\d+`)
	nonPhoneRun = regexp.MustCompile(`[^\d+\-()\s]`)
)

// minHintScore is the Jaro-Winkler similarity a field name needs to be
// offered as a "did you mean" hint.
const minHintScore = 0.8

// NormalizeFieldName maps a spoken field name to its canonical form: known
// aliases first, otherwise lowercased with spaces replaced by underscores.
func NormalizeFieldName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := aliases[n]; ok {
		return alias
	}
	return strings.ReplaceAll(n, " ", "_")
}

// resolveField finds the field index for a spoken name. An alias whose
// target is missing from f falls back to the literal name, so "feedback"
// still reaches a field called feedback.
func resolveField(f *Form, name string) (string, int) {
	canonical := NormalizeFieldName(name)
	if i := f.index(canonical); i >= 0 {
		return canonical, i
	}
	literal := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
	if i := f.index(literal); i >= 0 {
		return literal, i
	}
	return canonical, -1
}

// Coerce applies the type-specific value transformation for t.
func Coerce(t FieldType, value string) string {
	value = strings.TrimSpace(value)
	switch t {
	case FieldEmail:
		return strings.ToLower(value)
	case FieldBoolean:
		if slices.Contains(affirmative, strings.ToLower(value)) {
			return "true"
		}
		return "false"
	case FieldNumber:
		if m := digitRun.FindString(value); m != "" {
			return m
		}
		return value
	case FieldTel:
		return nonPhoneRun.ReplaceAllString(value, "")
	default:
		return value
	}
}

// closestField returns the candidate most similar to name, or "" if none is
// similar enough.
func closestField(name string, candidates []string) string {
	best, bestScore := "", minHintScore
	for _, c := range candidates {
		if s := matchr.JaroWinkler(name, c, false); s >= bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// humanize turns a snake_case name into words.
func humanize(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

// titleCase upper-cases the first letter of each run of letters.
func titleCase(s string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		b.WriteRune(r)
		prevLetter = false
	}
	return b.String()
}
