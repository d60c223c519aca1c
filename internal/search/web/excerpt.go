package web

import (
	"sort"
	"strings"

	"github.com/jdkato/prose/v2"

	"github.com/connect3/backend/pkg/utils"
)

// Sentences splits text into sentences. If segmentation fails the whole
// text is returned as a single sentence.
func Sentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	doc, err := prose.NewDocument(text,
		prose.WithTokenization(false),
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return []string{text}
	}
	out := make([]string, 0, len(doc.Sentences()))
	for _, s := range doc.Sentences() {
		if t := strings.TrimSpace(s.Text); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Excerpt selects the sentences sharing the most terms with query, keeps
// them in document order, and stops before exceeding maxLen characters.
func Excerpt(text, query string, maxLen int) string {
	sentences := Sentences(text)
	if len(sentences) == 0 {
		return ""
	}

	terms := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) > 2 {
			terms[w] = struct{}{}
		}
	}

	type scored struct {
		idx   int
		score int
	}
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		n := 0
		for _, w := range strings.Fields(strings.ToLower(s)) {
			if _, ok := terms[strings.Trim(w, ".,;:!?\"'()")]; ok {
				n++
			}
		}
		ranked[i] = scored{idx: i, score: n}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	picked := make([]int, 0, len(sentences))
	total := 0
	for _, r := range ranked {
		l := len(sentences[r.idx])
		if total+l > maxLen {
			if total == 0 {
				picked = append(picked, r.idx)
			}
			break
		}
		picked = append(picked, r.idx)
		total += l + 1
	}
	sort.Ints(picked)

	parts := make([]string, len(picked))
	for i, idx := range picked {
		parts[i] = sentences[idx]
	}
	return utils.Truncate(strings.Join(parts, " "), maxLen)
}
