package web

import (
	"slices"
	"testing"
)

func TestTokenize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"ace of spades", []string{"ace", "of", "spades"}},
		{"  Motörhead  ", []string{"motorhead"}},
		{"Kraftwerk-1981_remaster.flac", []string{"kraftwerk", "1981", "remaster", "flac"}},
		{`"quoted" (terms)!`, []string{"quoted", "terms"}},
		{"", nil},
		{"  ... !!! ", nil},
		{"ÀÉÎõü", []string{"aeiou"}},
	}

	for _, tt := range tests {
		if got := tokenize(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHumanSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
		{7 << 40, "7.0 TiB"},
	}

	for _, tt := range tests {
		if got := humanSize(tt.in); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
