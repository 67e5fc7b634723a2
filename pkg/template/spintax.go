// Package template renders outbound message templates.
//
// Two mechanisms compose: spintax groups ({a|b|c}) pick one alternative
// uniformly at random per occurrence, and [var] tokens substitute values
// from a caller-supplied map. Both broadcast campaigns and automated
// replies run their text through Process before sending.
package template

import (
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
)

var (
	spinGroup = regexp.MustCompile(`\{([^{}]+)\}`)
	varToken  = regexp.MustCompile(`\[([A-Za-z0-9_]+)\]`)
)

// Spin resolves every {a|b|c} group in text, choosing one alternative
// uniformly at random per occurrence. Text without groups passes through.
func Spin(text string) string {
	return spinGroup.ReplaceAllStringFunc(text, func(match string) string {
		inner := match[1 : len(match)-1]
		options := strings.Split(inner, "|")
		return options[rand.Intn(len(options))]
	})
}

// ReplaceVars substitutes [key] tokens with values from vars.
// Key matching is case-insensitive; tokens with no matching key
// become the empty string.
func ReplaceVars(text string, vars map[string]string) string {
	lowered := make(map[string]string, len(vars))
	for k, v := range vars {
		lowered[strings.ToLower(k)] = v
	}
	return varToken.ReplaceAllStringFunc(text, func(match string) string {
		key := strings.ToLower(match[1 : len(match)-1])
		return lowered[key]
	})
}

// Process applies spintax then variable substitution and trims the result.
func Process(tmpl string, vars map[string]string) string {
	return strings.TrimSpace(ReplaceVars(Spin(tmpl), vars))
}

// Render validates tmpl and processes it when well formed. A malformed
// template is returned raw rather than half-expanded, since Process
// would resolve nested or unbalanced groups unpredictably.
func Render(tmpl string, vars map[string]string) string {
	if ok, reason := Validate(tmpl); !ok {
		slog.Warn("malformed template sent raw", "reason", reason)
		return strings.TrimSpace(tmpl)
	}
	return Process(tmpl, vars)
}

// Validate reports whether a template is well formed. Invalid templates
// (mismatched braces, nested spin groups) are reported with a reason
// instead of panicking, so callers can fall back to sending the raw text.
func Validate(text string) (bool, string) {
	if strings.Count(text, "{") != strings.Count(text, "}") {
		return false, "mismatched braces"
	}
	depth := 0
	for _, r := range text {
		switch r {
		case '{':
			depth++
			if depth > 1 {
				return false, "nested spin groups not supported"
			}
		case '}':
			depth--
			if depth < 0 {
				return false, "mismatched braces"
			}
		}
	}
	if depth != 0 {
		return false, "mismatched braces"
	}
	return true, ""
}
