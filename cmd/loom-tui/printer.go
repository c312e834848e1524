// ABOUTME: Incremental console printer for committed timeline snapshots.
// ABOUTME: Prints rows once, streams assistant text in place via suffix diffs.

package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/loom/internal/conversation"
	"github.com/2389/loom/internal/render"
	"github.com/2389/loom/internal/timeline"
)

// printer turns committed snapshots into line output. Each row prints when
// it first appears and reprints when its rendered line changes (tool
// completion, moderation). Assistant text is the exception: the open row
// streams in place, only the suffix since the last snapshot is written.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	tr      *render.Transcript
	printed map[string]string // item id -> last rendered line
	openID  string            // row currently streaming in place, "" when none

	lastTyping bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:     out,
		tr:      render.NewTranscript(out),
		printed: make(map[string]string),
	}
}

// apply renders whatever changed since the previous snapshot. Invoked on the
// committing goroutine; the mutex serializes overlapping commits.
func (p *printer) apply(snap conversation.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range snap.Items {
		it := &snap.Items[i]

		// Reasoning rows accumulate until the stream closes them; printing
		// every delta would reprint the whole preview line each time.
		if it.Kind == timeline.KindReasoning && !it.Reasoning.Closed {
			continue
		}

		line := p.tr.Line(it)
		prev, seen := p.printed[it.ID]
		if seen && line == prev {
			continue
		}

		switch {
		case !seen && streamsInPlace(it):
			p.closeOpen()
			fmt.Fprint(p.out, line)
			p.openID = it.ID

		case seen && streamsInPlace(it) && strings.HasPrefix(line, prev):
			if it.ID != p.openID {
				// Later rows interrupted this one; continue it on a fresh line.
				p.closeOpen()
				p.openID = it.ID
			}
			fmt.Fprint(p.out, line[len(prev):])

		default:
			p.closeOpen()
			fmt.Fprintln(p.out, line)
		}

		p.printed[it.ID] = line
	}

	if !snap.Streaming {
		p.closeOpen()
	}

	if snap.PeerTyping && !p.lastTyping {
		p.closeOpen()
		fmt.Fprintln(p.out, color.HiBlackString("[operator is typing]"))
	}
	p.lastTyping = snap.PeerTyping
}

// closeOpen terminates the row streaming in place, if any.
func (p *printer) closeOpen() {
	if p.openID != "" {
		fmt.Fprintln(p.out)
		p.openID = ""
	}
}

// streamsInPlace reports whether a row's text grows across snapshots and
// should therefore print as suffix diffs rather than full reprints.
func streamsInPlace(it *timeline.Item) bool {
	return it.Kind == timeline.KindContent
}
