package genai

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestPostProcess_IdentityPatterns(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Je t'écoute.", "Je t'écoute."},
		{"je suis sophia", "Je suis Sophia. Raconte-moi.", "Raconte-moi."},
		{"je m'appelle", "Je m'appelle Sophia, et toi ?", "Et toi ?"},
		{"en tant qu'IA", "En tant qu'IA, je comprends que c'est dur.", "Je comprends que c'est dur."},
		{"as an AI", "As an AI, I understand.", "I understand."},
		{"whitespace", "Ok  ,   on   avance .", "Ok, on avance."},
		{"newlines", "Un.\n\n\n\nDeux.", "Un.\n\nDeux."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PostProcess(tt.in, 0); got != tt.want {
				t.Errorf("PostProcess(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	text := "Première phrase. Deuxième phrase un peu plus longue. Troisième."
	if got := Truncate(text, 0); got != text {
		t.Errorf("non-positive limit must not truncate, got %q", got)
	}
	if got := Truncate(text, len([]rune(text))); got != text {
		t.Errorf("text at limit must be unchanged, got %q", got)
	}
	if got := Truncate(text, 30); got != "Première phrase." {
		t.Errorf("expected cut at sentence end, got %q", got)
	}

	noEnd := "des mots sans aucune ponctuation finale ici"
	got := Truncate(noEnd, 20)
	if !strings.HasSuffix(got, "…") {
		t.Errorf("expected ellipsis, got %q", got)
	}
	if utf8.RuneCountInString(got) > 20 {
		t.Errorf("truncated text too long: %q", got)
	}
	if got := Truncate(strings.Repeat("é", 50), 10); utf8.RuneCountInString(got) != 10 || !utf8.ValidString(got) {
		t.Errorf("expected 10 valid runes, got %q", got)
	}
}
