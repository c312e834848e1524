// ABOUTME: Fetches flat conversation history via GET /api/history.
// ABOUTME: Records come back oldest first, ready for reconstruction.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/2389/loom/internal/wire"
)

// historyResponse is the JSON body of GET /api/history.
type historyResponse struct {
	Messages []*wire.FlatMessage `json:"messages"`
	Count    int                 `json:"count"`
}

// FetchHistory retrieves the persisted conversation from the gateway. A
// limit above zero asks for only the most recent records; the server still
// returns them in chronological order.
func (g *Gateway) FetchHistory(ctx context.Context, limit int) ([]*wire.FlatMessage, error) {
	url := g.baseURL + "/api/history"
	if limit > 0 {
		url = fmt.Sprintf("%s?limit=%d", url, limit)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	g.authorize(req)

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var history historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return history.Messages, nil
}
