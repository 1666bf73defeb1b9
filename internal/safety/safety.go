// Package safety detects messages that indicate a risk to the user's life.
//
// Detection runs before any other processing of an inbound message. Patterns
// are unanchored and matched against accent-folded lowercase text, so adding
// words to a dangerous message can never make it safe.
package safety

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sophia-care/sophia/internal/util"
)

// DefaultPatterns are French self-harm and suicidal-ideation indicators, written
// against folded text (no accents, lowercase).
var DefaultPatterns = []string{
	`suicid`,
	`mourir`,
	`me tuer`,
	`finir ma vie`,
	`plus (envie de )?vivre`,
	`me pendre`,
	`se pendre`,
	`sauter (du|de la|par|d un)`,
	`me faire du mal`,
	`scarif`,
	`me couper les veines`,
	`disparaitre pour toujours`,
}

// Classifier decides whether a message is dangerous.
type Classifier struct {
	patterns []*regexp.Regexp
}

// NewClassifier compiles DefaultPatterns plus any extra patterns.
// Extra patterns are folded and normalized the same way as the text they are
// matched against.
func NewClassifier(extra ...string) (*Classifier, error) {
	c := &Classifier{}
	for _, p := range DefaultPatterns {
		c.patterns = append(c.patterns, regexp.MustCompile(p))
	}
	for _, p := range extra {
		re, err := regexp.Compile(normalizeSeparators(util.Fold(p)))
		if err != nil {
			return nil, fmt.Errorf("invalid danger pattern %q: %w", p, err)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// IsDangerous reports whether text contains any danger indicator.
func (c *Classifier) IsDangerous(text string) bool {
	folded := normalizeSeparators(util.Fold(text))
	for _, re := range c.patterns {
		if re.MatchString(folded) {
			return true
		}
	}
	return false
}

// normalizeSeparators turns apostrophes into spaces and collapses every run
// of whitespace to a single space, so "d'un" matches "d un" and "me\ttuer"
// matches "me tuer".
func normalizeSeparators(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\'', '’', '`':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

var defaultClassifier, _ = NewClassifier()

// IsDangerous checks text against the default patterns.
func IsDangerous(text string) bool {
	return defaultClassifier.IsDangerous(text)
}
