package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LegacyContent is the structured answer shape stored before answers
// became markdown with inline markers.
type LegacyContent struct {
	Summary   string          `json:"summary"`
	Results   []LegacyResult  `json:"results"`
	FollowUps json.RawMessage `json:"followUps,omitempty"`
}

type LegacyResult struct {
	Header  string         `json:"header"`
	Text    string         `json:"text"`
	Sources []LegacySource `json:"sources"`
}

type LegacySource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// IsLegacy reports whether raw looks like a stored legacy answer.
func IsLegacy(raw []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, hasMarkdown := probe["markdown"]
	_, hasResults := probe["results"]
	_, hasSummary := probe["summary"]
	return !hasMarkdown && (hasResults || hasSummary)
}

// TranslateLegacy renders a legacy answer as markdown with inline markers.
// Sources with an unknown type or malformed id are skipped.
func TranslateLegacy(raw []byte) (string, error) {
	var lc LegacyContent
	if err := json.Unmarshal(raw, &lc); err != nil {
		return "", fmt.Errorf("failed to decode legacy content: %w", err)
	}

	var b strings.Builder
	if s := strings.TrimSpace(lc.Summary); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}

	for _, res := range lc.Results {
		if h := strings.TrimSpace(res.Header); h != "" {
			b.WriteString("**")
			b.WriteString(h)
			b.WriteString("**\n\n")
		}
		b.WriteString(strings.TrimSpace(res.Text))
		for _, src := range res.Sources {
			r, err := NewRef(normaliseLegacyType(src.Type), src.ID)
			if err != nil {
				continue
			}
			b.WriteString(" ")
			b.WriteString(r.Marker())
		}
		b.WriteString("\n\n")
	}

	for _, f := range legacyFollowUps(lc.FollowUps) {
		b.WriteString(f)
		b.WriteString("\n")
	}

	return strings.TrimSpace(b.String()), nil
}

func normaliseLegacyType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "users", "person", "user":
		return string(TypeUser)
	case "organisations", "organizations", "organization", "organisation", "club":
		return string(TypeOrganisation)
	case "events", "event":
		return string(TypeEvent)
	}
	return t
}

// followUps was stored either as one string or as a list.
func legacyFollowUps(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one = strings.TrimSpace(one); one != "" {
			return []string{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil
	}
	out := many[:0]
	for _, s := range many {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
