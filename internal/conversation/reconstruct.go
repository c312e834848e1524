// ABOUTME: History reconstructor: maps flat persisted records to a timeline.
// ABOUTME: Pure and deterministic; equal input always yields deep-equal output.

package conversation

import (
	"time"

	"github.com/2389/loom/internal/timeline"
	"github.com/2389/loom/internal/wire"
)

// Reconstruct maps an ordered flat message history onto timeline items
// structurally compatible with what completed streaming would have left
// behind: one Content item per assistant record (plus one StructuredResult
// when a payload was persisted), with intermediate reasoning and tool
// granularity collapsed away.
//
// Turn grouping mirrors the live rekey: an assistant record keys its turn by
// its own id, and the immediately preceding unanswered user record joins
// that turn. User records never answered, and operator records, stand alone
// under their own ids.
func Reconstruct(records []*wire.FlatMessage) []timeline.Item {
	items := make([]timeline.Item, 0, len(records))
	pendingUser := -1
	for _, rec := range records {
		if rec == nil {
			continue
		}
		switch rec.Role {
		case wire.RoleUser:
			it := timeline.Item{
				ID:        rec.ID,
				TurnID:    rec.ID,
				Kind:      timeline.KindUserMessage,
				CreatedAt: rec.CreatedAt,
				User:      &timeline.UserMessage{Text: rec.Content},
			}
			carryFlags(&it, rec)
			items = append(items, it)
			pendingUser = len(items) - 1

		case wire.RoleAssistant:
			turnID := rec.ID
			if pendingUser >= 0 {
				items[pendingUser].TurnID = turnID
				pendingUser = -1
			}
			it := timeline.Item{
				ID:        rec.ID,
				TurnID:    turnID,
				Kind:      timeline.KindContent,
				CreatedAt: rec.CreatedAt,
				Content:   &timeline.Content{Text: rec.Content},
			}
			carryFlags(&it, rec)
			items = append(items, it)
			if len(rec.StructuredPayload) > 0 {
				items = append(items, timeline.Item{
					ID:        rec.ID + "-products",
					TurnID:    turnID,
					Kind:      timeline.KindStructuredResult,
					CreatedAt: rec.CreatedAt,
					Result:    &timeline.StructuredResult{Items: rec.StructuredPayload},
				})
			}

		case wire.RoleOperator:
			it := timeline.Item{
				ID:        rec.ID,
				TurnID:    rec.ID,
				Kind:      timeline.KindSupportEvent,
				CreatedAt: rec.CreatedAt,
				Support: &timeline.SupportNote{
					Event:    timeline.SupportOperatorMessage,
					Operator: rec.Operator,
					Text:     rec.Content,
				},
			}
			carryFlags(&it, rec)
			items = append(items, it)
			// An operator reply answers the pending user message; a later
			// assistant record must not adopt it.
			pendingUser = -1

		default:
			// Unknown roles are skipped, keeping reconstruction total.
		}
	}
	return items
}

func carryFlags(it *timeline.Item, rec *wire.FlatMessage) {
	it.Withdrawn = rec.Withdrawn
	it.WithdrawnAt = derefTime(rec.WithdrawnAt)
	it.WithdrawnBy = rec.WithdrawnBy
	it.Edited = rec.Edited
	it.EditedAt = derefTime(rec.EditedAt)
	it.EditedBy = rec.EditedBy
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
