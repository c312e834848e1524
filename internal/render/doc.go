// Package render turns timeline snapshots into human-readable output.
//
// Transcript writes the ANSI-colored log the TUI shows: one line per item,
// arrows for messages, bracketed tags for calls, tools, and session rows,
// and moderation markers in place of withdrawn text.
//
// ExportHTML writes a standalone HTML document for sharing: message text is
// rendered as markdown (raw HTML is dropped), support and product rows are
// kept, and stream internals like calls and reasoning are left out.
package render
