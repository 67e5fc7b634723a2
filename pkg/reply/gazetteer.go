package reply

import (
	"encoding/json"
	"sort"
	"strings"
)

// Location is one resolved place from the gazetteer.
type Location struct {
	Name        string `json:"name"`
	MatchedPart string `json:"matchedPart"`
}

// JSON renders the location payload stored on the contact.
func (l *Location) JSON() string {
	raw, err := json.Marshal(l)
	if err != nil {
		return ""
	}
	return string(raw)
}

// cityAliases maps chat shorthand and IATA codes to canonical city
// names.
var cityAliases = map[string]string{
	// Jabodetabek
	"jkt": "JAKARTA",
	"cgk": "JAKARTA",
	"bgr": "BOGOR",
	"dpk": "DEPOK",
	"tng": "TANGERANG",
	"bks": "BEKASI",

	// Jawa Barat
	"bdg": "BANDUNG",
	"bdo": "BANDUNG",
	"cbn": "CIREBON",
	"tsm": "TASIKMALAYA",

	// Jawa Tengah & DIY
	"smg":         "SEMARANG",
	"solo":        "SURAKARTA",
	"slo":         "SURAKARTA",
	"jogja":       "YOGYAKARTA",
	"jogjakarta":  "YOGYAKARTA",
	"yogya":       "YOGYAKARTA",
	"pwt":         "PURWOKERTO",
	"mgl":         "MAGELANG",

	// Jawa Timur
	"sby":    "SURABAYA",
	"sub":    "SURABAYA",
	"mlg":    "MALANG",
	"kdr":    "KEDIRI",
	"sda":    "SIDOARJO",

	// Bali & Nusa Tenggara
	"dps":  "DENPASAR",
	"bali": "DENPASAR",
	"mtr":  "MATARAM",
	"koe":  "KUPANG",

	// Sumatera
	"mdn": "MEDAN",
	"kno": "MEDAN",
	"plm": "PALEMBANG",
	"plg": "PALEMBANG",
	"pdg": "PADANG",
	"pku": "PEKANBARU",
	"bth": "BATAM",
	"tkg": "BANDAR LAMPUNG",

	// Kalimantan
	"pnk": "PONTIANAK",
	"bpp": "BALIKPAPAN",
	"bdj": "BANJARMASIN",
	"smr": "SAMARINDA",

	// Sulawesi, Maluku & Papua
	"mks": "MAKASSAR",
	"upg": "MAKASSAR",
	"mnd": "MANADO",
	"kdi": "KENDARI",
	"plw": "PALU",
	"amb": "AMBON",
	"djj": "JAYAPURA",
	"soq": "SORONG",
}

// cities are the canonical names matched directly in free text.
var cities = []string{
	"JAKARTA", "BOGOR", "DEPOK", "TANGERANG", "BEKASI",
	"BANDUNG", "CIREBON", "TASIKMALAYA",
	"SEMARANG", "SURAKARTA", "YOGYAKARTA", "PURWOKERTO", "MAGELANG",
	"SURABAYA", "MALANG", "KEDIRI", "SIDOARJO", "MOJOKERTO",
	"DENPASAR", "MATARAM", "KUPANG",
	"MEDAN", "BANDA ACEH", "PALEMBANG", "PADANG", "PEKANBARU", "BATAM", "BANDAR LAMPUNG",
	"PONTIANAK", "BALIKPAPAN", "PALANGKARAYA", "BANJARMASIN", "SAMARINDA",
	"MAKASSAR", "MANADO", "KENDARI", "PALU", "AMBON", "JAYAPURA", "SORONG",
}

// DetectLocation finds a city in free text. Canonical names are
// checked longest-first so "BANDAR LAMPUNG" beats "BANDUNG"-style
// partials; aliases are whole-word to keep "bks" inside another word
// from matching.
func DetectLocation(text string) *Location {
	clean := strings.ToLower(strings.TrimSpace(text))
	if len(clean) < 3 {
		return nil
	}

	sorted := make([]string, len(cities))
	copy(sorted, cities)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	for _, city := range sorted {
		lc := strings.ToLower(city)
		if containsWord(clean, lc) {
			return &Location{Name: city, MatchedPart: lc}
		}
	}

	for _, word := range strings.Fields(clean) {
		word = strings.Trim(word, ".,!?")
		if target, ok := cityAliases[word]; ok {
			return &Location{Name: target, MatchedPart: word}
		}
	}
	return nil
}

// containsWord reports whether needle occurs in haystack on word
// boundaries.
func containsWord(haystack, needle string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], needle)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(needle)
		beforeOK := start == 0 || !isWordByte(haystack[start-1])
		afterOK := end == len(haystack) || !isWordByte(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
