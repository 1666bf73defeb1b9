package session

import (
	"strings"

	"github.com/sophia-care/sophia/internal/util"
)

// Intent is the intake mode a user asked for.
type Intent int

const (
	// IntentUnclear means no mapping entry matched.
	IntentUnclear Intent = iota
	// IntentGuided means the user wants to be asked questions.
	IntentGuided
	// IntentFreeForm means the user wants to talk directly.
	IntentFreeForm
)

func (i Intent) String() string {
	switch i {
	case IntentGuided:
		return "guided"
	case IntentFreeForm:
		return "free_form"
	default:
		return "unclear"
	}
}

// intentRule maps a folded phrase to an intent.
type intentRule struct {
	phrase string
	intent Intent
}

// intentTable is scanned in order; the first phrase found wins. Multi-word
// and explicit phrases come before short answers like "oui" or "non".
var intentTable = []intentRule{
	{"pose-moi", IntentGuided},
	{"guide-moi", IntentGuided},
	{"aide-moi", IntentGuided},
	{"interroge-moi", IntentGuided},
	{"pose moi", IntentGuided},
	{"guide moi", IntentGuided},
	{"aide moi", IntentGuided},
	{"vas-y", IntentGuided},
	{"vas y", IntentGuided},
	{"je prefere raconter", IntentFreeForm},
	{"je vais raconter", IntentFreeForm},
	{"vider mon sac", IntentFreeForm},
	{"directement", IntentFreeForm},
	{"direct", IntentFreeForm},
	{"raconter", IntentFreeForm},
	{"raconte", IntentFreeForm},
	{"parler", IntentFreeForm},
	{"questions", IntentGuided},
	{"question", IntentGuided},
	{"guide", IntentGuided},
	{"guider", IntentGuided},
	{"pose", IntentGuided},
	{"interroge", IntentGuided},
	{"oui", IntentGuided},
	{"non", IntentFreeForm},
}

// ClassifyIntent maps an answer to the guided/free-form choice onto an Intent.
func ClassifyIntent(text string) Intent {
	norm := normalizedPhrase(text)
	if norm == "  " {
		return IntentUnclear
	}
	for _, r := range intentTable {
		if strings.Contains(norm, " "+r.phrase+" ") {
			return r.intent
		}
	}
	return IntentUnclear
}

// noQuestionPhrases signal that the user wants to stop being asked questions.
var noQuestionPhrases = []string{
	"arrete de me poser des questions",
	"arrete de poser des questions",
	"arrete avec tes questions",
	"arrete avec les questions",
	"arrete les questions",
	"stop les questions",
	"stop aux questions",
	"pas de questions",
	"plus de questions",
	"sans questions",
	"moins de questions",
	"trop de questions",
}

// WantsNoQuestions reports whether text asks the assistant to stop closing with questions.
func WantsNoQuestions(text string) bool {
	norm := normalizedPhrase(text)
	for _, p := range noQuestionPhrases {
		if strings.Contains(norm, " "+p+" ") {
			return true
		}
	}
	return false
}

// resetCommands clear a session.
var resetCommands = []string{"/start", "/reset", "/restart"}

// IsResetCommand reports whether text is a hard-reset command.
func IsResetCommand(text string) bool {
	cmd := strings.ToLower(strings.TrimSpace(text))
	if i := strings.IndexAny(cmd, " @"); i >= 0 {
		cmd = cmd[:i]
	}
	for _, c := range resetCommands {
		if cmd == c {
			return true
		}
	}
	return false
}

const personaCommand = "/persona"

// ParsePersonaCommand reports whether text is a persona selection command and
// returns the requested id, which is empty when none was given.
func ParsePersonaCommand(text string) (id string, ok bool) {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 || fields[0] != personaCommand {
		return "", false
	}
	if len(fields) > 1 {
		id = fields[1]
	}
	return id, true
}

// normalizedPhrase folds text into space-separated words with a leading and
// trailing space so that phrases match on word boundaries.
func normalizedPhrase(text string) string {
	return " " + strings.Join(util.Words(text), " ") + " "
}
