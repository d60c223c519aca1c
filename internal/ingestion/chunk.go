package ingestion

import (
	"strings"
	"unicode/utf8"

	"github.com/connect3/backend/internal/search/web"
	"github.com/connect3/backend/pkg/utils"
)

// ChunkText groups sentences into chunks of at most size characters. Each
// chunk after the first repeats up to overlap trailing sentences of the
// previous one when they fit. Sentences longer than size are split on word
// boundaries.
func ChunkText(text string, size, overlap int) []string {
	sentences := web.Sentences(text)
	if len(sentences) == 0 {
		return nil
	}
	if size <= 0 {
		return []string{strings.Join(sentences, " ")}
	}

	var units []string
	for _, s := range sentences {
		units = append(units, splitLong(s, size)...)
	}

	var chunks []string
	var current []string
	length, fresh := 0, 0
	for _, u := range units {
		n := utf8.RuneCountInString(u)
		if fresh > 0 && length+1+n > size {
			chunks = append(chunks, strings.Join(current, " "))
			current = overlapTail(current, overlap, size-n-1)
			length = joinedLen(current)
			fresh = 0
		}
		if length > 0 {
			length++
		}
		current = append(current, u)
		length += n
		fresh++
	}
	if fresh > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}

func overlapTail(sentences []string, overlap, budget int) []string {
	if overlap <= 0 || budget <= 0 {
		return nil
	}
	tail := sentences[max(0, len(sentences)-overlap):]
	for len(tail) > 0 && joinedLen(tail) > budget {
		tail = tail[1:]
	}
	return append([]string(nil), tail...)
}

func joinedLen(parts []string) int {
	if len(parts) == 0 {
		return 0
	}
	n := len(parts) - 1
	for _, p := range parts {
		n += utf8.RuneCountInString(p)
	}
	return n
}

func splitLong(sentence string, size int) []string {
	if utf8.RuneCountInString(sentence) <= size {
		return []string{sentence}
	}
	var out []string
	var b strings.Builder
	length := 0
	for _, w := range strings.Fields(sentence) {
		w = utils.Truncate(w, size)
		n := utf8.RuneCountInString(w)
		if length > 0 && length+1+n > size {
			out = append(out, b.String())
			b.Reset()
			length = 0
		}
		if length > 0 {
			b.WriteByte(' ')
			length++
		}
		b.WriteString(w)
		length += n
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
