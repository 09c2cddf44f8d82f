package tunnel

import "testing"

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"work.conf", "work"},
		{"work", "work"},
		{"  work.conf  ", "work"},
		{"configs/work.conf", "work"},
		{`C:\Users\me\work.conf`, "work"},
		{"A/a.CONF", "a"},
		{"dir/ home .conf", "home"},
		{"a.b.conf", "a.b"},
		{"us.east.conf", "us.east"},
		{"a.conf.zip", "a"},
		{"Backup.ZIP", "Backup"},
		{"notes.txt", "notes.txt"},
		{".conf", ""},
		{"", ""},
		{"   ", ""},
		{"dir/", ""},
		{"trailing.", "trailing."},
	}

	for _, tt := range tests {
		if got := NormalizeName(tt.raw); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeNameIdempotent(t *testing.T) {
	inputs := []string{
		"work.conf", "a.b.conf", " x . y ", "dir/sub\\name.zip.conf", ". .", "..", "plain",
		"name with spaces.conf", "über.conf", "v1.2.3",
	}
	for _, in := range inputs {
		once := NormalizeName(in)
		if twice := NormalizeName(once); twice != once {
			t.Errorf("NormalizeName not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"work", true},
		{"us.east", true},
		{"", false},
		{" x ", false},
		{"a/b", false},
		{`a\b`, false},
		{"work.conf", false},
	}

	for _, tt := range tests {
		if got := ValidKey(tt.key); got != tt.want {
			t.Errorf("ValidKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
