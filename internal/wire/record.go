// ABOUTME: Flat persisted message records and structured product shapes.
// ABOUTME: Records are what history endpoints and the local store exchange.

package wire

import (
	"encoding/json"
	"time"
)

// Roles a flat message record can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleOperator  = "operator"
)

// FlatMessage is one persisted conversation record. It is the unit of history
// reconstruction: a list of these deterministically rebuilds a timeline.
type FlatMessage struct {
	ID                string          `json:"id"`
	Role              string          `json:"role"`
	Content           string          `json:"content"`
	StructuredPayload json.RawMessage `json:"structuredPayload,omitempty"`
	Operator          string          `json:"operator,omitempty"`

	Withdrawn   bool       `json:"withdrawn,omitempty"`
	WithdrawnAt *time.Time `json:"withdrawnAt,omitempty"`
	WithdrawnBy string     `json:"withdrawnBy,omitempty"`
	Edited      bool       `json:"edited,omitempty"`
	EditedAt    *time.Time `json:"editedAt,omitempty"`
	EditedBy    string     `json:"editedBy,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Product is one structured result entry. Servers emit lists of these in
// assistant.products batches; the engine stores the raw batch and leaves
// decoding to renderers.
type Product struct {
	Kind  string          `json:"kind"`
	Title string          `json:"title,omitempty"`
	URL   string          `json:"url,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeProducts parses a raw products batch. A nil or empty batch decodes to
// an empty list.
func DecodeProducts(raw json.RawMessage) ([]Product, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []Product
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
