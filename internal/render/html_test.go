// ABOUTME: Tests for the HTML conversation export
// ABOUTME: Covers markdown rendering, raw-HTML dropping, and row selection

package render

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/timeline"
)

func exportString(t *testing.T, title string, items []timeline.Item) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, ExportHTML(&buf, title, items))
	return buf.String()
}

func TestExportHTML_RendersMarkdown(t *testing.T) {
	out := exportString(t, "Conversation", []timeline.Item{
		contentItem("this is **important** text"),
	})

	assert.Contains(t, out, "<!DOCTYPE html>")
	assert.Contains(t, out, "<strong>important</strong>")
	assert.NotContains(t, out, "**important**")
}

func TestExportHTML_DropsRawHTML(t *testing.T) {
	out := exportString(t, "Conversation", []timeline.Item{
		userItem("look at this <script>alert(1)</script>"),
	})

	assert.NotContains(t, out, "<script>")
}

func TestExportHTML_TitleEscaped(t *testing.T) {
	out := exportString(t, "a <b> title", nil)

	assert.Contains(t, out, "a &lt;b&gt; title")
	assert.NotContains(t, out, "a <b> title")
}

func TestExportHTML_ModerationMarkers(t *testing.T) {
	withdrawn := userItem("secret")
	withdrawn.Withdrawn = true
	edited := contentItem("current answer")
	edited.Edited = true

	out := exportString(t, "Conversation", []timeline.Item{withdrawn, edited})

	assert.Contains(t, out, "(withdrawn)")
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "current answer")
	assert.Contains(t, out, "(edited)")
}

func TestExportHTML_SkipsCallAndReasoningRows(t *testing.T) {
	out := exportString(t, "Conversation", []timeline.Item{
		{Kind: timeline.KindLLMCall, Call: &timeline.LLMCall{MessageCount: 3}},
		{Kind: timeline.KindReasoning, Reasoning: &timeline.Reasoning{Text: "hidden reasoning"}},
		contentItem("visible answer"),
	})

	assert.NotContains(t, out, "hidden reasoning")
	assert.Contains(t, out, "visible answer")
}

func TestExportHTML_ProductsList(t *testing.T) {
	out := exportString(t, "Conversation", []timeline.Item{
		{Kind: timeline.KindStructuredResult, Result: &timeline.StructuredResult{
			Items: []byte(`[{"kind":"link","title":"Guide","url":"https://example.test/guide"},{"kind":"card","title":"Plain"}]`),
		}},
	})

	assert.Contains(t, out, `<a href="https://example.test/guide">Guide</a>`)
	assert.Contains(t, out, "<li>Plain</li>")
}

func TestExportHTML_ProductLinksRestrictedToWebURLs(t *testing.T) {
	out := exportString(t, "Conversation", []timeline.Item{
		{Kind: timeline.KindStructuredResult, Result: &timeline.StructuredResult{
			Items: []byte(`[{"kind":"link","title":"Tricky","url":"javascript:alert(1)"},{"kind":"link","title":"Fine","url":"http://example.test/ok"}]`),
		}},
	})

	// A non-web scheme renders as plain text instead of a live link.
	assert.NotContains(t, out, "javascript:")
	assert.Contains(t, out, "<li>Tricky</li>")
	assert.Contains(t, out, `<a href="http://example.test/ok">Fine</a>`)
}

func TestExportHTML_SupportRows(t *testing.T) {
	out := exportString(t, "Conversation", []timeline.Item{
		{Kind: timeline.KindSupportEvent, Support: &timeline.SupportNote{
			Event: timeline.SupportHandoffStarted, Operator: "dana",
		}},
		{Kind: timeline.KindSupportEvent, Support: &timeline.SupportNote{
			Event: timeline.SupportOperatorMessage, Operator: "dana", Text: "hello from support",
		}},
		{Kind: timeline.KindSupportEvent, Support: &timeline.SupportNote{
			Event: timeline.SupportHandoffEnded,
		}},
	})

	assert.Contains(t, out, "dana took over")
	assert.Contains(t, out, "operator dana")
	assert.Contains(t, out, "hello from support")
	assert.Contains(t, out, "assistant resumed")
}

func TestExportHTML_ErrorRow(t *testing.T) {
	out := exportString(t, "Conversation", []timeline.Item{
		{Kind: timeline.KindError, Fault: &timeline.Fault{Message: "stream failed: connection reset"}},
	})

	assert.Contains(t, out, "stream failed: connection reset")
}
