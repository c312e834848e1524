// ABOUTME: ANSI transcript rendering for timeline snapshots.
// ABOUTME: One line per row, colored by kind, with moderation markers.

package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/loom/internal/timeline"
	"github.com/2389/loom/internal/wire"
)

const reasoningPreview = 120

// Transcript renders timeline items as a colored conversation log. The
// zero value is not usable; construct with NewTranscript.
type Transcript struct {
	out io.Writer

	// ShowTimes prefixes each line with the item's clock time.
	ShowTimes bool
}

func NewTranscript(out io.Writer) *Transcript {
	return &Transcript{out: out}
}

// WriteItems renders every item in order, one line each.
func (t *Transcript) WriteItems(items []timeline.Item) error {
	for i := range items {
		if _, err := fmt.Fprintln(t.out, t.Line(&items[i])); err != nil {
			return err
		}
	}
	return nil
}

// Line renders a single item. Withdrawn items keep their prefix but show a
// marker instead of their text; edited items carry a trailing marker.
func (t *Transcript) Line(it *timeline.Item) string {
	var b strings.Builder
	if t.ShowTimes {
		b.WriteString(color.HiBlackString(it.CreatedAt.Local().Format("15:04:05") + " "))
	}

	switch it.Kind {
	case timeline.KindUserMessage:
		b.WriteString(color.BlueString("→ "))
		b.WriteString(bodyText(it, it.User.Text))

	case timeline.KindContent:
		b.WriteString(color.GreenString("← "))
		b.WriteString(bodyText(it, it.Content.Text))

	case timeline.KindFinal:
		b.WriteString(color.GreenString("← "))
		b.WriteString(bodyText(it, it.Final.Text))

	case timeline.KindReasoning:
		b.WriteString(color.HiBlackString("[reasoning] " + truncate(flatten(it.Reasoning.Text), reasoningPreview)))

	case timeline.KindLLMCall:
		b.WriteString(color.HiBlackString("[call] " + describeCall(it.Call)))

	case timeline.KindToolCall:
		b.WriteString(color.YellowString("[tool] "))
		b.WriteString(describeTool(it.Tool))

	case timeline.KindStructuredResult:
		b.WriteString(color.CyanString("[products] "))
		b.WriteString(describeProducts(it.Result))

	case timeline.KindError:
		b.WriteString(color.RedString("[error] " + it.Fault.Message))

	case timeline.KindMemoryEvent:
		b.WriteString(color.HiBlackString("[memory] " + it.Memory.Note))

	case timeline.KindSupportEvent:
		b.WriteString(describeSupport(it))

	default:
		b.WriteString(color.HiBlackString(fmt.Sprintf("[%s]", it.Kind)))
	}

	return b.String()
}

// bodyText applies the moderation markers shared by message-like rows.
func bodyText(it *timeline.Item, text string) string {
	if it.Withdrawn {
		return color.HiBlackString("(withdrawn)")
	}
	if it.Edited {
		return text + color.HiBlackString(" (edited)")
	}
	return text
}

func describeCall(call *timeline.LLMCall) string {
	switch call.Status {
	case timeline.StatusRunning:
		return fmt.Sprintf("%d messages, running", call.MessageCount)
	case timeline.StatusError:
		return fmt.Sprintf("%d messages, failed: %s", call.MessageCount, call.Error)
	default:
		return fmt.Sprintf("%d messages, %dms", call.MessageCount, call.ElapsedMs)
	}
}

func describeTool(tool *timeline.ToolCall) string {
	switch tool.Status {
	case timeline.StatusRunning:
		return tool.Name + " ..."
	case timeline.StatusError:
		return tool.Name + " " + color.RedString("failed: "+tool.Error)
	default:
		if tool.Count > 0 {
			return fmt.Sprintf("%s done, %d results (%dms)", tool.Name, tool.Count, tool.ElapsedMs)
		}
		return fmt.Sprintf("%s done (%dms)", tool.Name, tool.ElapsedMs)
	}
}

func describeProducts(result *timeline.StructuredResult) string {
	products, err := wire.DecodeProducts(result.Items)
	if err != nil || len(products) == 0 {
		return "structured result"
	}
	titles := make([]string, 0, len(products))
	for _, p := range products {
		switch {
		case p.Title != "":
			titles = append(titles, p.Title)
		case p.Kind != "":
			titles = append(titles, p.Kind)
		}
	}
	if len(titles) == 0 {
		return fmt.Sprintf("%d items", len(products))
	}
	return fmt.Sprintf("%d items: %s", len(products), strings.Join(titles, ", "))
}

func describeSupport(it *timeline.Item) string {
	switch it.Support.Event {
	case timeline.SupportOperatorMessage:
		label := color.MagentaString("[operator " + it.Support.Operator + "] ")
		return label + bodyText(it, it.Support.Text)
	case timeline.SupportHandoffStarted:
		if it.Support.Operator != "" {
			return color.YellowString("[handoff] " + it.Support.Operator + " took over")
		}
		return color.YellowString("[handoff] operator took over")
	case timeline.SupportHandoffEnded:
		return color.YellowString("[handoff] assistant resumed")
	}
	return ""
}

// flatten folds a multi-line text into one line for preview rows.
func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
