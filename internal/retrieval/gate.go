// Package retrieval decides when to consult the vector store of archived
// exchanges and fetches the closest records when it does.
package retrieval

import (
	"strings"

	"github.com/sophia-care/sophia/internal/util"
)

// DefaultMinWords is the word count from which a message reads as narration.
const DefaultMinWords = 6

// DefaultKeywords are emotional, relational and occupational themes that make a
// message worth a retrieval regardless of its length. A trailing '*' marks a stem.
// Words common in small talk ("bonne nuit", "de rien", "mon ami") are left out.
var DefaultKeywords = []string{
	"triste*", "seul", "seule", "vide", "peur", "angoiss*", "stress*", "colere", "haine", "honte",
	"fatigu*", "bout", "marre", "pleur*", "mal", "douleur*", "paniqu*", "joie", "espoir", "perdu*",
	"doute*", "famille", "pere", "mere", "parent*", "amis", "amitie*", "pote*", "copain*",
	"copine*", "couple", "ex", "relation*", "solitude", "rejet*", "abandon*", "trahi*", "confiance",
	"travail", "boulot", "etude*", "ecole", "argent", "avenir", "sens", "dormir", "insomni*", "cauchemar*",
	"probleme*", "solution*", "conseil*", "avis", "choix", "decision*", "deprim*", "epuis*",
}

// DefaultGreetings are tokens that, on their own, never justify a retrieval.
var DefaultGreetings = []string{
	"salut", "bonjour", "bonsoir", "coucou", "hello", "hey", "yo", "slt", "cc", "hi",
	"merci", "ok", "oui", "non", "d", "accord", "ca", "va", "bien", "et", "toi", "super", "cool", "top",
}

// Gate is the cheap heuristic that decides whether a message warrants retrieval.
type Gate struct {
	exact     map[string]struct{}
	stems     []string
	greetings map[string]struct{}
	minWords  int
}

// NewGate builds a gate. Nil keyword or greeting lists select the defaults and
// a non-positive minWords selects DefaultMinWords.
func NewGate(keywords, greetings []string, minWords int) *Gate {
	if keywords == nil {
		keywords = DefaultKeywords
	}
	if greetings == nil {
		greetings = DefaultGreetings
	}
	if minWords <= 0 {
		minWords = DefaultMinWords
	}
	g := &Gate{
		exact:     make(map[string]struct{}),
		greetings: make(map[string]struct{}),
		minWords:  minWords,
	}
	for _, k := range keywords {
		k = util.Fold(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if stem, ok := strings.CutSuffix(k, "*"); ok {
			g.stems = append(g.stems, stem)
			continue
		}
		g.exact[k] = struct{}{}
	}
	for _, w := range greetings {
		g.greetings[util.Fold(w)] = struct{}{}
	}
	return g
}

// ShouldRetrieve reports whether text deserves a vector-store lookup.
//
// Order: empty text never retrieves; a theme keyword always retrieves; pure
// greetings never retrieve; otherwise long enough messages retrieve.
func (g *Gate) ShouldRetrieve(text string) bool {
	words := util.Words(text)
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if g.isKeyword(w) {
			return true
		}
	}
	if g.onlyGreetings(words) {
		return false
	}
	return len(words) >= g.minWords
}

func (g *Gate) isKeyword(w string) bool {
	if _, ok := g.exact[w]; ok {
		return true
	}
	for _, s := range g.stems {
		if strings.HasPrefix(w, s) {
			return true
		}
	}
	return false
}

func (g *Gate) onlyGreetings(words []string) bool {
	for _, w := range words {
		if _, ok := g.greetings[w]; !ok {
			return false
		}
	}
	return true
}
