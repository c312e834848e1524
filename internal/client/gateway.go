// ABOUTME: HTTP gateway client shared by the turn and message endpoints.
// ABOUTME: Requests carry a bearer token; error bodies are decoded when JSON.

package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/loom/internal/conversation"
)

// Gateway talks to the conversation gateway over HTTP. It implements
// conversation.StreamOpener: OpenTurn starts a streamed assistant turn and
// PostMessage delivers a message without a stream coming back.
type Gateway struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

var _ conversation.StreamOpener = (*Gateway)(nil)

// NewGateway creates a client rooted at baseURL. token may be empty when the
// gateway runs without auth. The underlying http.Client carries no timeout:
// turn streams are long-lived, and cancellation rides the request context.
func NewGateway(baseURL, token string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		logger:  logger.With("component", "client"),
	}
}

// authorize attaches the bearer token if one is configured.
func (g *Gateway) authorize(req *http.Request) {
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
}

// responseError turns a non-OK response into an error, preferring the
// gateway's own {"error": "..."} message when the body carries one.
func responseError(resp *http.Response) error {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			if msg, ok := errResp["error"]; ok && msg != "" {
				return fmt.Errorf("%s", msg)
			}
		}
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}
