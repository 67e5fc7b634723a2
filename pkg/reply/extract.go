package reply

import (
	"regexp"
	"strings"
)

// namePatterns capture a name from common Indonesian introductions.
// Ordered most to least explicit.
var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bnama\s+(?:saya|aku|ku)\s+(?:adalah\s+)?([\p{L}]+)`),
	regexp.MustCompile(`(?i)\bnamaku\s+([\p{L}]+)`),
	regexp.MustCompile(`(?i)\bpanggil\s+(?:saja\s+)?([\p{L}]+)`),
	regexp.MustCompile(`(?i)\bsaya\s+([\p{L}]+)\s+dari\b`),
	regexp.MustCompile(`(?i)\baku\s+([\p{L}]+)\s+dari\b`),
}

// nonNames are words the loose patterns tend to capture instead of an
// actual name.
var nonNames = map[string]bool{
	"mau": true, "ingin": true, "dari": true, "di": true, "tinggal": true,
	"dan": true, "ada": true, "tanya": true, "minta": true, "pesan": true,
}

// ExtractIdentity pulls a name and a gazetteer-resolved location from
// one message. Either result may be empty; the caller decides whether
// the conversation stays gated.
func ExtractIdentity(text string) (name string, loc *Location) {
	for _, re := range namePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		candidate := strings.TrimSpace(m[1])
		if candidate == "" || nonNames[strings.ToLower(candidate)] {
			continue
		}
		name = title(candidate)
		break
	}
	return name, DetectLocation(text)
}

// title uppercases the first letter, ASCII names only; anything else
// is stored as written.
func title(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}
