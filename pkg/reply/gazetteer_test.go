package reply

import "testing"

func TestDetectLocation(t *testing.T) {
	tests := []struct {
		text string
		want string // canonical name, "" for no match
	}{
		{"saya dari Jakarta", "JAKARTA"},
		{"aku tinggal di bandung kak", "BANDUNG"},
		{"domisili bandar lampung", "BANDAR LAMPUNG"},
		{"jkt", "JAKARTA"},
		{"dari jogja ya", "YOGYAKARTA"},
		{"solo, jawa tengah", "SURAKARTA"},
		{"kota Makassar", "MAKASSAR"},
		{"sby.", "SURABAYA"},
		{"halo", ""},
		{"ab", ""},  // too short
		{"mau pesan dong", ""},
		{"bandungan", ""}, // no partial word match
	}
	for _, tt := range tests {
		got := DetectLocation(tt.text)
		if tt.want == "" {
			if got != nil {
				t.Errorf("DetectLocation(%q) = %v, want nil", tt.text, got)
			}
			continue
		}
		if got == nil || got.Name != tt.want {
			t.Errorf("DetectLocation(%q) = %v, want %s", tt.text, got, tt.want)
		}
	}
}

func TestDetectLocationPrefersLongestName(t *testing.T) {
	// "bandar lampung" must not resolve to a shorter city containing a
	// shared substring.
	got := DetectLocation("alamat di bandar lampung tepatnya")
	if got == nil || got.Name != "BANDAR LAMPUNG" {
		t.Fatalf("got %v, want BANDAR LAMPUNG", got)
	}
}

func TestExtractIdentity(t *testing.T) {
	tests := []struct {
		text     string
		wantName string
		wantLoc  string
	}{
		{"nama saya Budi dari Jakarta", "Budi", "JAKARTA"},
		{"namaku sari, tinggal di bekasi", "Sari", "BEKASI"},
		{"panggil saja Rina", "Rina", ""},
		{"saya Andi dari medan", "Andi", "MEDAN"},
		{"aku mau pesan dari kemarin", "", ""}, // no introduction pattern
		{"halo kak", "", ""},
	}
	for _, tt := range tests {
		name, loc := ExtractIdentity(tt.text)
		if name != tt.wantName {
			t.Errorf("ExtractIdentity(%q) name = %q, want %q", tt.text, name, tt.wantName)
		}
		gotLoc := ""
		if loc != nil {
			gotLoc = loc.Name
		}
		if gotLoc != tt.wantLoc {
			t.Errorf("ExtractIdentity(%q) loc = %q, want %q", tt.text, gotLoc, tt.wantLoc)
		}
	}
}

func TestMatchRule(t *testing.T) {
	rules := []Rule{
		{ID: 1, Keyword: "halo", MatchType: "EXACT", Response: "exact"},
		{ID: 2, Keyword: "info", MatchType: "STARTS_WITH", Response: "starts"},
		{ID: 3, Keyword: "harga", MatchType: "CONTAINS", Response: "contains"},
		{ID: 4, Keyword: `promo\s+\d+`, MatchType: "REGEX", Response: "regex"},
		{ID: 5, Keyword: `[invalid`, MatchType: "REGEX", Response: "broken"},
		{ID: 6, Keyword: "fallback", MatchType: "CONTAINS", Response: "last"},
	}

	tests := []struct {
		text   string
		wantID int64 // 0 for no match
	}{
		{"halo", 1},
		{"  HALO  ", 1},
		{"halo kak", 0}, // EXACT does not match extra words; no other rule fires
		{"info pengiriman", 2},
		{"berapa HARGA nya", 3},
		{"ada PROMO 12 ga", 4},
		{"pesan fallback dong", 6},
		{"tidak cocok", 0},
	}
	for _, tt := range tests {
		got := MatchRule(rules, tt.text)
		var gotID int64
		if got != nil {
			gotID = got.ID
		}
		if gotID != tt.wantID {
			t.Errorf("MatchRule(%q) = rule %d, want %d", tt.text, gotID, tt.wantID)
		}
	}
}

func TestMatchRuleHonorsOrder(t *testing.T) {
	rules := []Rule{
		{ID: 1, Keyword: "paket", MatchType: "CONTAINS", Response: "high"},
		{ID: 2, Keyword: "paket", MatchType: "CONTAINS", Response: "low"},
	}
	got := MatchRule(rules, "mau paket yang mana")
	if got == nil || got.ID != 1 {
		t.Fatalf("got %v, want the first rule", got)
	}
}
