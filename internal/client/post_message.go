// ABOUTME: Delivers a message with no stream coming back via POST /api/messages.
// ABOUTME: Used while a human operator holds the conversation.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/2389/loom/internal/conversation"
)

// PostMessage delivers the message to the gateway without opening a turn.
// The gateway acknowledges with 200 or 202 and no assistant reply follows.
func (g *Gateway) PostMessage(ctx context.Context, req conversation.TurnRequest) error {
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/messages", bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	g.authorize(httpReq)

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return responseError(resp)
	}
	return nil
}
