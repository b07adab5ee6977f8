package daemon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-build/sheetext-host/internal/extensions"
)

func TestPromptRouterResolvesFromInboundFrame(t *testing.T) {
	hub := NewHub()
	router := NewPromptRouter(hub, time.Second)

	done := make(chan bool, 1)
	go func() {
		granted, err := router.Prompt(context.Background(), extensions.NewExtensionID("t", "x"), extensions.PermNetwork, "")
		require.NoError(t, err)
		done <- granted
	}()

	// Pull the requestID the router assigned by peeking at its pending table.
	var reqID string
	require.Eventually(t, func() bool {
		router.mu.Lock()
		defer router.mu.Unlock()
		for id := range router.pending {
			reqID = id
			return true
		}
		return false
	}, time.Second, time.Millisecond)

	frame, err := json.Marshal(responseFrame{Type: "permission_response", RequestID: reqID, Granted: true})
	require.NoError(t, err)
	handleInboundFrame(frame, router)

	select {
	case granted := <-done:
		assert.True(t, granted)
	case <-time.After(time.Second):
		t.Fatal("Prompt never resolved")
	}
}

func TestPromptRouterDeniesOnTimeout(t *testing.T) {
	hub := NewHub()
	router := NewPromptRouter(hub, 10*time.Millisecond)

	granted, err := router.Prompt(context.Background(), extensions.NewExtensionID("t", "x"), extensions.PermNetwork, "")
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestPromptRouterResolveIgnoresUnknownRequestID(t *testing.T) {
	hub := NewHub()
	router := NewPromptRouter(hub, time.Second)

	// Resolving a request nobody is waiting on must not panic or block.
	router.Resolve("not-a-real-request", true)
}
