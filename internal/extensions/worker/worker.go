// Package worker runs one extension's sandbox on a dedicated goroutine and
// exposes it through a request/response protocol. The pending-request
// table, UUID-correlated requests, and per-call timeout select are
// grounded directly on backend/internal/mcp/client.go's
// MCPClientConnection (pending map + mutex + id-correlated channel +
// timeout select), generalized from an outbound JSON-RPC-over-websocket
// client into an in-process request/response channel pair, since spec §5
// calls for one goroutine and one execution context per worker rather
// than a real network connection.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/extensions/sandbox"
	"github.com/apex-build/sheetext-host/internal/logging"
)

// MessageType identifies what a host->worker message asks the extension to
// do (spec §4.4).
type MessageType string

const (
	MsgActivate             MessageType = "activate"
	MsgExecuteCommand        MessageType = "executeCommand"
	MsgInvokeCustomFunction  MessageType = "invokeCustomFunction"
	MsgInvokeDataConnector   MessageType = "invokeDataConnector"
	MsgDeliverEvent          MessageType = "deliverEvent"
	MsgDispose               MessageType = "dispose"
)

// defaultTimeouts gives each message type its own budget (spec §4.4: "the
// host applies a per-message-type timeout"). Activation gets more room
// than a single command invocation; events are fire-and-forget so they
// use the tightest budget, just enough to detect a hung listener.
var defaultTimeouts = map[MessageType]time.Duration{
	MsgActivate:            10 * time.Second,
	MsgExecuteCommand:       5 * time.Second,
	MsgInvokeCustomFunction: 5 * time.Second,
	MsgInvokeDataConnector:  15 * time.Second,
	MsgDeliverEvent:         2 * time.Second,
	MsgDispose:              5 * time.Second,
}

// Handler executes one message against the sandbox's loaded extension
// module. It always runs on the worker's own goroutine. Implementations
// live in the host/api packages, which know how to route a MessageType to
// the extension's exported activate/command/function/connector.
type Handler func(sb *sandbox.Sandbox, msgType MessageType, payload json.RawMessage) (json.RawMessage, error)

// State is the worker lifecycle state machine of spec §5.
type State string

const (
	StateLoaded      State = "loaded"
	StateActivating  State = "activating"
	StateActive      State = "active"
	StateTerminating State = "terminating"
	StateDead        State = "dead"
)

type envelope struct {
	id      string
	msgType MessageType
	payload json.RawMessage
}

type response struct {
	result json.RawMessage
	err    error
}

// Worker owns one sandbox.Sandbox and the single goroutine allowed to
// touch it.
type Worker struct {
	ID       extensions.ExtensionID
	Manifest *extensions.Manifest

	sb      *sandbox.Sandbox
	handler Handler

	inbox chan envelope

	mu          sync.Mutex
	pending     map[string]chan response
	state       State
	terminated  error
	stop        chan struct{}
	done        chan struct{}
}

// SpawnOptions configures Spawn, including retry behavior for the sandbox
// construction step (goja.New and module resolution can fail transiently
// if, e.g., the extension directory is still being written to disk during
// an install).
type SpawnOptions struct {
	SandboxOptions sandbox.Options
	Handler        Handler
	MaxAttempts    int
	RetryBackoff   time.Duration
}

// Spawn builds a sandbox and starts the worker's goroutine, retrying
// sandbox construction with exponential backoff on transient failure.
func Spawn(id extensions.ExtensionID, manifest *extensions.Manifest, opts SpawnOptions) (*Worker, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}

	var sb *sandbox.Sandbox
	var err error
	backoff := opts.RetryBackoff
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		sb, err = sandbox.New(opts.SandboxOptions)
		if err == nil {
			break
		}
		logging.S().Warnw("sandbox construction failed, retrying", "extension", id, "attempt", attempt, "error", err)
		if attempt < opts.MaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	if err != nil {
		return nil, fmt.Errorf("worker: spawn %s: %w", id, err)
	}

	w := &Worker{
		ID:       id,
		Manifest: manifest,
		sb:       sb,
		handler:  opts.Handler,
		inbox:    make(chan envelope, 8),
		pending:  map[string]chan response{},
		state:    StateLoaded,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	sb.StartMemoryMonitor()
	go w.run()
	return w, nil
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case env := <-w.inbox:
			result, err := w.handler(w.sb, env.msgType, env.payload)
			w.deliver(env.id, response{result: result, err: err})
		}
	}
}

func (w *Worker) deliver(id string, resp response) {
	w.mu.Lock()
	ch, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
	}
	w.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SetState transitions the worker's lifecycle state. The host package
// owns the state machine's actual transition rules (spec §5
// loaded->activating->active->terminating->dead); Worker just stores it.
func (w *Worker) SetState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Send delivers a message to the worker and blocks until it responds, the
// per-type timeout elapses, or ctx is canceled. A timeout always
// terminates the worker — spec §5 treats a hung call as fatal to the
// whole execution context, not just that one call, because there is no
// safe way to abandon a goja.Runtime mid-call and keep using it.
func (w *Worker) Send(ctx context.Context, msgType MessageType, payload json.RawMessage) (json.RawMessage, error) {
	w.mu.Lock()
	if w.state == StateDead || w.state == StateTerminating {
		terminated := w.terminated
		w.mu.Unlock()
		if terminated != nil {
			return nil, terminated
		}
		return nil, &extensions.ExtensionWorkerTerminatedError{}
	}
	id := uuid.NewString()
	respCh := make(chan response, 1)
	w.pending[id] = respCh
	w.mu.Unlock()

	timeout := defaultTimeouts[msgType]
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case w.inbox <- envelope{id: id, msgType: msgType, payload: payload}:
	case <-ctx.Done():
		w.cancelPending(id)
		return nil, ctx.Err()
	case <-w.stop:
		w.cancelPending(id)
		return nil, &extensions.ExtensionWorkerTerminatedError{}
	}

	select {
	case resp := <-respCh:
		return resp.result, resp.err
	case <-ctx.Done():
		w.cancelPending(id)
		return nil, ctx.Err()
	case <-time.After(timeout):
		err := &extensions.ExtensionTimeoutError{Operation: string(msgType)}
		w.Terminate(err)
		return nil, err
	}
}

func (w *Worker) cancelPending(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// Terminate tears the worker down: it interrupts any in-flight goja
// execution, marks every still-pending call as failed with reason (or
// ExtensionWorkerTerminatedError if reason is nil), and stops accepting
// new messages. Safe to call more than once; only the first call has any
// effect.
func (w *Worker) Terminate(reason error) {
	w.mu.Lock()
	if w.state == StateDead {
		w.mu.Unlock()
		return
	}
	if reason == nil {
		reason = &extensions.ExtensionWorkerTerminatedError{}
	}
	w.state = StateDead
	w.terminated = reason
	pending := w.pending
	w.pending = map[string]chan response{}
	w.mu.Unlock()

	w.sb.Close()
	for _, ch := range pending {
		ch <- response{err: reason}
	}
	close(w.stop)
}

// Wait blocks until the worker's goroutine has fully exited.
func (w *Worker) Wait() {
	<-w.done
}
