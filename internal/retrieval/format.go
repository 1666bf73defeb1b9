package retrieval

import (
	"fmt"
	"strings"

	"github.com/sophia-care/sophia/internal/models"
)

// RiskMarker is appended to records whose metadata indicates elevated severity.
const RiskMarker = "⚠️ NOTE: Redflag"

// Format renders records as compact blocks for the system prompt.
// It returns "" for an empty context.
func Format(records []models.RetrievalRecord) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	for i, r := range records {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[Cas %d] Thème : %s\n", i+1, models.Field(r.Theme))
		if r.SourceQuestion != "" {
			fmt.Fprintf(&b, "Situation : %s\n", oneLine(r.SourceQuestion))
		}
		if r.SourceAnswer != "" {
			fmt.Fprintf(&b, "Réponse idéale : %s\n", oneLine(r.SourceAnswer))
		}
		if r.Severity != "" {
			fmt.Fprintf(&b, "Intensité : %s\n", r.Severity)
		}
		if r.RiskFlag {
			b.WriteString(RiskMarker + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
