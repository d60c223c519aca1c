package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/ingestion"
	"github.com/connect3/backend/internal/query"
)

var (
	stepColor    = color.New(color.FgCyan, color.Bold)
	keyColor     = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	successColor = color.New(color.FgGreen, color.Bold)
	dimColor     = color.New(color.Faint)
)

// renderer prints a search stream for a terminal. Partial responses are
// cumulative, so only the final answer is printed in full.
type renderer struct {
	w   io.Writer
	err error
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w}
}

func (r *renderer) Render(ev query.Event) {
	switch ev.Type {
	case query.EventStatus:
		dimColor.Fprintf(r.w, "[%d] status %s\n", ev.Seq, ev.Status)
	case query.EventProgress:
		stepColor.Fprintf(r.w, "[%d] %s\n", ev.Seq, ev.Step)
		if ev.Route != "" {
			keyColor.Fprint(r.w, "    route ")
			fmt.Fprintln(r.w, ev.Route)
		}
		for _, q := range ev.Queries {
			keyColor.Fprint(r.w, "    query ")
			fmt.Fprintln(r.w, q)
		}
		for _, w := range ev.Warnings {
			warnColor.Fprintf(r.w, "    warning: %s\n", w)
		}
	case query.EventReasoning:
		dimColor.Fprintf(r.w, "    %s\n", ev.Reasoning)
	case query.EventResponse:
		// cumulative partials
	case query.EventComplete:
		successColor.Fprintf(r.w, "[%d] complete\n", ev.Seq)
		if ev.Content == nil {
			return
		}
		fmt.Fprintln(r.w, entity.StripMarkers(ev.Content.Markdown))
		for _, link := range ev.Content.QuickLinks {
			target := link.ID
			if link.URL != "" {
				target = link.URL
			}
			keyColor.Fprintf(r.w, "  - %s ", link.Type)
			fmt.Fprintln(r.w, strings.TrimSpace(link.Label+" "+target))
		}
	case query.EventError:
		errorColor.Fprintf(r.w, "[%d] error: %s\n", ev.Seq, ev.Error)
		msg := ev.Error
		if ev.Retriable {
			msg += " (retriable)"
		}
		r.err = errors.New(msg)
	}
}

// Err is the failure reported by the stream, if it ended in one.
func (r *renderer) Err() error {
	return r.err
}

func printStats(w io.Writer, stats ingestion.Stats) {
	successColor.Fprintln(w, "Indexed")
	keyColor.Fprint(w, "  documents ")
	fmt.Fprintln(w, stats.Documents)
	keyColor.Fprint(w, "  passages  ")
	fmt.Fprintln(w, stats.Passages)
	if stats.Skipped > 0 {
		warnColor.Fprintf(w, "  skipped   %d\n", stats.Skipped)
	}
}
