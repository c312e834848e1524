// ABOUTME: Standalone HTML export of a conversation timeline.
// ABOUTME: Message text renders as markdown; raw HTML in messages is dropped.

package render

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net/url"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/loom/internal/timeline"
	"github.com/2389/loom/internal/wire"
)

const exportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
  body { font-family: -apple-system, "Segoe UI", sans-serif; max-width: 46rem; margin: 2rem auto; padding: 0 1rem; color: #1a1a1a; }
  h1 { font-size: 1.3rem; }
  .row { margin: 1rem 0; }
  .label { font-weight: 600; font-size: 0.85rem; color: #555; }
  .stamp { color: #999; font-size: 0.75rem; margin-left: 0.5rem; }
  .body p { margin: 0.25rem 0; }
  .user .label { color: #1a56db; }
  .assistant .label { color: #057a55; }
  .operator .label { color: #9b1c9b; }
  .meta { color: #888; font-size: 0.8rem; font-style: italic; }
  .error { color: #b42318; }
  .withdrawn { color: #999; font-style: italic; }
  .products li { font-size: 0.9rem; }
  footer { margin-top: 2rem; color: #999; font-size: 0.75rem; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Rows}}<div class="row {{.Class}}">
<span class="label">{{.Label}}</span><span class="stamp">{{.Stamp}}</span>
<div class="body">{{.Body}}</div>
</div>
{{end}}<footer>exported {{.Generated}}</footer>
</body>
</html>
`

var exportTmpl = template.Must(template.New("export").Parse(exportTemplate))

type htmlRow struct {
	Class string
	Label string
	Stamp string
	Body  template.HTML
}

// ExportHTML writes the timeline as a standalone HTML document. Rows the
// reader would not care about (calls, reasoning) are left out; the export is
// the polished conversation, not the stream log.
func ExportHTML(w io.Writer, title string, items []timeline.Item) error {
	rows := make([]htmlRow, 0, len(items))
	for i := range items {
		if row, ok := htmlRowFor(&items[i]); ok {
			rows = append(rows, row)
		}
	}

	data := struct {
		Title     string
		Rows      []htmlRow
		Generated string
	}{
		Title:     title,
		Rows:      rows,
		Generated: time.Now().Format("2006-01-02 15:04"),
	}
	if err := exportTmpl.Execute(w, data); err != nil {
		return fmt.Errorf("rendering export: %w", err)
	}
	return nil
}

func htmlRowFor(it *timeline.Item) (htmlRow, bool) {
	row := htmlRow{Stamp: it.CreatedAt.Local().Format("15:04")}

	switch it.Kind {
	case timeline.KindUserMessage:
		row.Class, row.Label = "user", "user"
		row.Body = messageBody(it, it.User.Text)

	case timeline.KindContent:
		row.Class, row.Label = "assistant", "assistant"
		row.Body = messageBody(it, it.Content.Text)

	case timeline.KindFinal:
		row.Class, row.Label = "assistant", "assistant"
		row.Body = messageBody(it, it.Final.Text)

	case timeline.KindSupportEvent:
		return supportRow(it, row)

	case timeline.KindStructuredResult:
		row.Class, row.Label = "products", "results"
		row.Body = productsBody(it.Result)

	case timeline.KindToolCall:
		row.Class, row.Label = "meta", "tool"
		row.Body = template.HTML(`<span class="meta">` + template.HTMLEscapeString(describeTool(it.Tool)) + `</span>`)

	case timeline.KindError:
		row.Class, row.Label = "error", "error"
		row.Body = template.HTML(`<span class="error">` + template.HTMLEscapeString(it.Fault.Message) + `</span>`)

	case timeline.KindMemoryEvent:
		row.Class, row.Label = "meta", "memory"
		row.Body = template.HTML(`<span class="meta">` + template.HTMLEscapeString(it.Memory.Note) + `</span>`)

	default:
		// Calls and reasoning stay out of exports
		return htmlRow{}, false
	}
	return row, true
}

func supportRow(it *timeline.Item, row htmlRow) (htmlRow, bool) {
	switch it.Support.Event {
	case timeline.SupportOperatorMessage:
		row.Class, row.Label = "operator", "operator "+it.Support.Operator
		row.Body = messageBody(it, it.Support.Text)
	case timeline.SupportHandoffStarted:
		row.Class, row.Label = "meta", "handoff"
		row.Body = template.HTML(`<span class="meta">` + template.HTMLEscapeString(it.Support.Operator+" took over") + `</span>`)
	case timeline.SupportHandoffEnded:
		row.Class, row.Label = "meta", "handoff"
		row.Body = template.HTML(`<span class="meta">assistant resumed</span>`)
	default:
		return htmlRow{}, false
	}
	return row, true
}

// messageBody renders message text as markdown, honoring moderation flags.
func messageBody(it *timeline.Item, text string) template.HTML {
	if it.Withdrawn {
		return template.HTML(`<span class="withdrawn">(withdrawn)</span>`)
	}
	body := markdownHTML(text)
	if it.Edited {
		body += template.HTML(`<span class="meta">(edited)</span>`)
	}
	return body
}

func productsBody(result *timeline.StructuredResult) template.HTML {
	products, err := wire.DecodeProducts(result.Items)
	if err != nil || len(products) == 0 {
		return template.HTML(`<span class="meta">structured result</span>`)
	}
	var buf bytes.Buffer
	buf.WriteString("<ul>")
	for _, p := range products {
		title := p.Title
		if title == "" {
			title = p.Kind
		}
		if anchorableURL(p.URL) {
			fmt.Fprintf(&buf, `<li><a href="%s">%s</a></li>`,
				template.HTMLEscapeString(p.URL), template.HTMLEscapeString(title))
		} else {
			fmt.Fprintf(&buf, "<li>%s</li>", template.HTMLEscapeString(title))
		}
	}
	buf.WriteString("</ul>")
	return template.HTML(buf.String())
}

// anchorableURL reports whether a product URL may become a live link. Only
// absolute http and https URLs qualify; anything else, a javascript: URL
// included, renders as plain text.
func anchorableURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

// markdownHTML converts markdown to HTML. goldmark's default renderer drops
// raw HTML, so message content cannot inject markup into the export.
func markdownHTML(text string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return template.HTML("<p>" + template.HTMLEscapeString(text) + "</p>")
	}
	return template.HTML(buf.String())
}
