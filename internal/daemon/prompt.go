package daemon

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/logging"
)

// promptFrame is the outbound permission_prompt message pushed to the
// front-end over the websocket hub. Host is set only when Permission is
// "network" and the prompt concerns a specific URL's hostname.
type promptFrame struct {
	Type        string `json:"type"`
	RequestID   string `json:"requestId"`
	ExtensionID string `json:"extensionId"`
	Permission  string `json:"permission"`
	Host        string `json:"host,omitempty"`
}

// responseFrame is the inbound permission_response a connected front-end
// sends back once the user answers the consent dialog.
type responseFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Granted   bool   `json:"granted"`
}

// PromptRouter implements permissions.Prompter by asking the connected
// front-end over the websocket hub and waiting for its answer. The
// request-id-keyed pending table mirrors the MCP client's pending request
// map in backend/internal/mcp/client.go, generalized from "one pending RPC
// call" to "one pending consent dialog".
type PromptRouter struct {
	hub     *Hub
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan bool
}

// NewPromptRouter builds a PromptRouter that gives up and denies consent
// if no front-end answers within timeout.
func NewPromptRouter(hub *Hub, timeout time.Duration) *PromptRouter {
	return &PromptRouter{hub: hub, timeout: timeout, pending: map[string]chan bool{}}
}

// Prompt satisfies permissions.Prompter.
func (p *PromptRouter) Prompt(ctx context.Context, id extensions.ExtensionID, perm extensions.Permission, host string) (bool, error) {
	requestID := uuid.NewString()
	ch := make(chan bool, 1)

	p.mu.Lock()
	p.pending[requestID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, requestID)
		p.mu.Unlock()
	}()

	frame, err := json.Marshal(promptFrame{
		Type:        "permission_prompt",
		RequestID:   requestID,
		ExtensionID: id.String(),
		Permission:  string(perm),
		Host:        host,
	})
	if err != nil {
		return false, err
	}
	p.hub.Broadcast(frame)

	timeout := p.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case granted := <-ch:
		return granted, nil
	case <-timer.C:
		logging.S().Warnw("permission prompt timed out, denying", "extension", id, "permission", perm)
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve delivers a front-end's answer to the Prompt call waiting on
// requestID, if one is still pending.
func (p *PromptRouter) Resolve(requestID string, granted bool) {
	p.mu.Lock()
	ch, ok := p.pending[requestID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- granted:
	default:
	}
}

func handleInboundFrame(data []byte, prompts *PromptRouter) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		logging.S().Warnw("malformed websocket frame", "error", err)
		return
	}
	switch base.Type {
	case "permission_response", "permissionResponse":
		var resp responseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			logging.S().Warnw("malformed permission_response frame", "error", err)
			return
		}
		prompts.Resolve(resp.RequestID, resp.Granted)
	default:
		logging.S().Debugw("ignoring unknown websocket frame type", "type", base.Type)
	}
}
