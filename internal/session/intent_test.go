package session

import "testing"

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		text string
		want Intent
	}{
		{"Pose-moi des questions", IntentGuided},
		{"vas-y", IntentGuided},
		{"Oui, guide moi", IntentGuided},
		{"des questions stp", IntentGuided},
		{"interroge-moi", IntentGuided},
		{"je préfère raconter", IntentFreeForm},
		{"direct", IntentFreeForm},
		{"Non", IntentFreeForm},
		{"je veux juste parler, pas de questions", IntentFreeForm},
		{"non, aide-moi à y voir clair", IntentGuided},
		{"hmm", IntentUnclear},
		{"", IntentUnclear},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := ClassifyIntent(tt.text); got != tt.want {
				t.Errorf("ClassifyIntent(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}
}

func TestWantsNoQuestions(t *testing.T) {
	tests := map[string]bool{
		"Arrête de me poser des questions !":     true,
		"stop les questions":                     true,
		"j'en ai marre, trop de questions":       true,
		"tu peux me poser des questions":         false,
		"je me pose beaucoup de questions":       false,
		"Pas de questions ce soir, juste parler": true,
	}
	for text, want := range tests {
		if got := WantsNoQuestions(text); got != want {
			t.Errorf("WantsNoQuestions(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestIsResetCommand(t *testing.T) {
	tests := map[string]bool{
		"/start":            true,
		" /START ":          true,
		"/reset":            true,
		"/start@SophiaBot":  true,
		"/start maintenant": true,
		"start":             false,
		"je veux /start":    false,
		"/startup":          false,
	}
	for text, want := range tests {
		if got := IsResetCommand(text); got != want {
			t.Errorf("IsResetCommand(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestParsePersonaCommand(t *testing.T) {
	tests := []struct {
		text   string
		wantID string
		wantOK bool
	}{
		{"/persona grande-soeur", "grande-soeur", true},
		{"  /PERSONA   Sophia ", "sophia", true},
		{"/persona", "", true},
		{"/personas sophia", "", false},
		{"mon persona préféré", "", false},
	}
	for _, tt := range tests {
		id, ok := ParsePersonaCommand(tt.text)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("ParsePersonaCommand(%q) = %q, %v, want %q, %v", tt.text, id, ok, tt.wantID, tt.wantOK)
		}
	}
}
