package reply

import (
	"log/slog"
	"regexp"
	"strings"
)

// MatchRule returns the first rule matching the text, honoring the
// slice order (callers pass them priority-sorted). Invalid regex
// patterns are skipped, not fatal.
func MatchRule(rules []Rule, text string) *Rule {
	query := strings.ToLower(strings.TrimSpace(text))

	for i := range rules {
		r := &rules[i]
		keyword := strings.ToLower(r.Keyword)

		switch r.MatchType {
		case "EXACT":
			if query == keyword {
				return r
			}
		case "STARTS_WITH":
			if strings.HasPrefix(query, keyword) {
				return r
			}
		case "CONTAINS":
			if strings.Contains(query, keyword) {
				return r
			}
		case "REGEX":
			re, err := regexp.Compile("(?i)" + r.Keyword)
			if err != nil {
				slog.Warn("invalid auto-reply regex", "rule", r.ID, "pattern", r.Keyword)
				continue
			}
			if re.MatchString(text) {
				return r
			}
		}
	}
	return nil
}
