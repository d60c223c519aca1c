package entity

import (
	"regexp"
	"strings"
)

// markerPattern matches @@@type:id@@@, optionally wrapped in square brackets.
var markerPattern = regexp.MustCompile(`(?i)\[?@@@(user|organisation|event):([a-f0-9-]+)@@@\]?`)

// Envelope is a response under construction: the markdown and the refs cited in it.
type Envelope struct {
	Markdown string `json:"markdown"`
	Entities []Ref  `json:"entities"`
}

// Segment is either verbatim text or a single marker.
type Segment struct {
	Text string `json:"text,omitempty"`
	Ref  *Ref   `json:"ref,omitempty"`
}

// Parse extracts the distinct refs in markdown in order of first appearance.
// It is pure: the same input always yields the same envelope, and a prefix
// of a string never yields a ref absent from the full string.
func Parse(markdown string) Envelope {
	env := Envelope{Markdown: markdown, Entities: []Ref{}}
	seen := make(map[Ref]struct{})
	for _, m := range markerPattern.FindAllStringSubmatch(markdown, -1) {
		r := Ref{Type: Type(strings.ToLower(m[1])), ID: strings.ToLower(m[2])}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		env.Entities = append(env.Entities, r)
	}
	return env
}

// ParseAllowed is Parse restricted to refs in allowed.
func ParseAllowed(markdown string, allowed *RefSet) Envelope {
	env := Parse(markdown)
	kept := env.Entities[:0]
	for _, r := range env.Entities {
		if allowed.Has(r) {
			kept = append(kept, r)
		}
	}
	env.Entities = kept
	return env
}

// Segments splits markdown into text and marker segments. Text between
// markers is preserved byte for byte.
func Segments(markdown string) []Segment {
	var out []Segment
	last := 0
	for _, loc := range markerPattern.FindAllStringSubmatchIndex(markdown, -1) {
		if loc[0] > last {
			out = append(out, Segment{Text: markdown[last:loc[0]]})
		}
		r := Ref{
			Type: Type(strings.ToLower(markdown[loc[2]:loc[3]])),
			ID:   strings.ToLower(markdown[loc[4]:loc[5]]),
		}
		out = append(out, Segment{Ref: &r})
		last = loc[1]
	}
	if last < len(markdown) {
		out = append(out, Segment{Text: markdown[last:]})
	}
	return out
}

// Sanitize removes markers whose ref is not in allowed and rewrites the
// rest to canonical form. It returns the cleaned markdown and the refs dropped.
func Sanitize(markdown string, allowed *RefSet) (string, []Ref) {
	var dropped []Ref
	cleaned := markerPattern.ReplaceAllStringFunc(markdown, func(m string) string {
		sub := markerPattern.FindStringSubmatch(m)
		r := Ref{Type: Type(strings.ToLower(sub[1])), ID: strings.ToLower(sub[2])}
		if allowed.Has(r) {
			return r.Marker()
		}
		dropped = append(dropped, r)
		return ""
	})
	return cleaned, dropped
}

// StripMarkers removes every marker, for prose-only answers.
func StripMarkers(markdown string) string {
	return markerPattern.ReplaceAllString(markdown, "")
}
