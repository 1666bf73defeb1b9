package session

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sophia-care/sophia/internal/util"
)

// MaxNameAttempts is the number of unreadable answers after which the neutral name is used.
const MaxNameAttempts = 2

const maxNameRunes = 30

var introPattern = regexp.MustCompile(`(?i)(?:je\s+m['’]?\s*appelle|moi\s*,?\s+c['’]\s*est|mon\s+pr[ée]nom\s+(?:est|c['’]\s*est)|pr[ée]nom\s*:)\s*([\p{L}][\p{L}'’-]*)`)

// nameStopList holds greetings, commands and short answers that are never a first name.
var nameStopList = map[string]struct{}{
	"bonjour": {}, "bonsoir": {}, "salut": {}, "hello": {}, "hey": {}, "yo": {}, "coucou": {},
	"slt": {}, "cc": {}, "hi": {}, "oui": {}, "ok": {}, "merci": {}, "start": {}, "reset": {},
	"aide": {}, "help": {}, "test": {}, "rien": {}, "quoi": {}, "pourquoi": {}, "comment": {},
	"ca": {}, "va": {}, "moi": {}, "toi": {}, "je": {},
}

// declineWords mean the user prefers not to give a name.
var declineWords = map[string]struct{}{
	"non": {}, "anonyme": {}, "personne": {}, "secret": {}, "discret": {}, "discrete": {},
}

// ExtractName reads a first name from an introduction ("je m'appelle Léa",
// "moi c'est Léa") or from a single-word answer that is not a greeting or
// command. The name is returned title-cased.
func ExtractName(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "/") {
		return "", false
	}
	if m := introPattern.FindStringSubmatch(text); m != nil {
		return validName(m[1])
	}
	candidate := strings.TrimRight(text, ".!?,;… ")
	if strings.ContainsAny(candidate, " \t\n") {
		return "", false
	}
	return validName(candidate)
}

// DeclinesName reports whether the answer refuses to give a name.
func DeclinesName(text string) bool {
	words := util.Words(text)
	if len(words) == 0 || len(words) > 4 {
		return false
	}
	for _, w := range words {
		if _, ok := declineWords[w]; ok {
			return true
		}
	}
	return false
}

func validName(s string) (string, bool) {
	s = strings.Trim(s, "'’-")
	n := utf8.RuneCountInString(s)
	if n < 2 || n > maxNameRunes {
		return "", false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && r != '-' && r != '\'' && r != '’' {
			return "", false
		}
	}
	folded := util.Fold(s)
	if _, stop := nameStopList[folded]; stop {
		return "", false
	}
	if _, decline := declineWords[folded]; decline {
		return "", false
	}
	return titleName(s), true
}

// titleName upper-cases the first letter of each hyphenated part and lower-cases the rest.
func titleName(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		if upper {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteRune(unicode.ToLower(r))
		}
		upper = r == '-'
	}
	return b.String()
}
