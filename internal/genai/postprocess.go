package genai

import (
	"regexp"
	"strings"
	"unicode"
)

// identityPatterns remove first-person statements that break the persona.
var identityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bje\s+suis\s+soph_?ia\b[\s,.!]*`),
	regexp.MustCompile(`(?i)\bje\s+m['’]?\s*appelle\s+soph_?ia\b[\s,.!]*`),
	regexp.MustCompile(`(?i)\bje\s+(ne\s+)?suis\s+(qu['’]\s*)?une\s+(ia|intelligence\s+artificielle)\b[\s,.!]*`),
	regexp.MustCompile(`(?i)\ben\s+tant\s+qu['’]\s*(ia|intelligence\s+artificielle|mod[eè]le\s+de\s+langage)\s*,?\s*`),
	regexp.MustCompile(`(?i)\bas\s+an\s+ai(\s+language\s+model)?\s*,?\s*`),
	regexp.MustCompile(`(?i)\bi\s+am\s+an\s+ai(\s+language\s+model)?\b[\s,.!]*`),
}

var (
	multiSpace     = regexp.MustCompile(`[ \t]{2,}`)
	spaceBeforeEnd = regexp.MustCompile(`[ \t]+([,.])`)
	manyNewlines   = regexp.MustCompile(`\n{3,}`)
)

// PostProcess strips identity leakage, tidies whitespace and truncates to at
// most maxChars characters at the last sentence boundary. A non-positive
// maxChars disables truncation.
func PostProcess(text string, maxChars int) string {
	out := text
	for _, re := range identityPatterns {
		out = re.ReplaceAllString(out, "")
	}
	out = tidy(out)
	if maxChars > 0 {
		out = Truncate(out, maxChars)
	}
	return out
}

func tidy(s string) string {
	s = multiSpace.ReplaceAllString(s, " ")
	s = spaceBeforeEnd.ReplaceAllString(s, "$1")
	s = manyNewlines.ReplaceAllString(s, "\n\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.TrimSpace(strings.Join(lines, "\n"))
	s = strings.TrimLeft(s, ",;: ")
	return capitalizeFirst(s)
}

func capitalizeFirst(s string) string {
	for i, r := range s {
		if unicode.IsLower(r) {
			return s[:i] + string(unicode.ToUpper(r)) + s[i+len(string(r)):]
		}
		return s
	}
	return s
}

// Truncate cuts text to at most maxChars runes. It prefers the end of the
// last complete sentence, then the last word boundary followed by an ellipsis.
func Truncate(text string, maxChars int) string {
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return text
	}
	cut := runes[:maxChars]
	for i := len(cut) - 1; i > 0; i-- {
		if isSentenceEnd(cut[i]) && (i == len(cut)-1 || unicode.IsSpace(cut[i+1]) || cut[i+1] == '"' || cut[i+1] == '»') {
			return strings.TrimSpace(string(cut[:i+1]))
		}
	}
	for i := len(cut) - 1; i > 0; i-- {
		if unicode.IsSpace(cut[i]) {
			return strings.TrimSpace(string(cut[:i])) + "…"
		}
	}
	return string(cut[:maxChars-1]) + "…"
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}
