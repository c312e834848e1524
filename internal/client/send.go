// ABOUTME: Opens a streamed assistant turn via POST /api/send.
// ABOUTME: The response is an SSE stream the session pulls to exhaustion.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/2389/loom/internal/conversation"
)

// OpenTurn sends the turn request and returns the event stream for the
// assistant's reply. The stream stays open until the server finishes the
// turn, the stream is closed, or ctx is cancelled.
func (g *Gateway) OpenTurn(ctx context.Context, req conversation.TurnRequest) (conversation.EventStream, error) {
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/send", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	g.authorize(httpReq)

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending turn request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}

	return newSSEStream(resp.Body), nil
}
