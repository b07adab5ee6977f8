// Package events implements the EventBroadcaster (spec §4.7): delivers
// workbook/view/selection/cell lifecycle events to every active worker
// subscribed to them, truncating a selectionChanged payload whose cell
// count would exceed extensions.MaxRangeCells, and routing config changes only to
// the extension that owns the changed key rather than broadcasting them.
package events

import (
	"context"
	"sync"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/logging"
)

// Kind enumerates the event names spec §4.7 defines.
type Kind string

const (
	KindWorkbookOpened    Kind = "workbookOpened"
	KindBeforeSave        Kind = "beforeSave"
	KindViewActivated     Kind = "viewActivated"
	KindSelectionChanged  Kind = "selectionChanged"
	KindCellChanged       Kind = "cellChanged"
	KindSheetActivated    Kind = "sheetActivated"
	KindConfigChanged     Kind = "configChanged"
)

// Event is one broadcastable payload.
type Event struct {
	Kind    Kind
	Payload interface{}
}

// Dispatch is how the broadcaster hands an event to one worker; the host
// package supplies the concrete implementation (a worker.Worker.Send call
// wrapping MsgDeliverEvent), kept as an interface here so this package
// never depends on worker or sandbox.
type Dispatch func(ctx context.Context, id extensions.ExtensionID, event Event) error

// subscription pairs a listening extension with the dispatch func used to
// reach it.
type subscription struct {
	id       extensions.ExtensionID
	dispatch Dispatch
}

// Broadcaster fans events out to every subscribed worker, truncating
// oversized range payloads and recording delivery metrics (spec §4.7).
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[Kind][]subscription

	metrics *metrics
}

// NewBroadcaster builds an empty Broadcaster with its Prometheus
// collectors registered.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:    map[Kind][]subscription{},
		metrics: newMetrics(),
	}
}

// Subscribe registers dispatch to receive every event of kind delivered
// to id. The returned func unsubscribes.
func (b *Broadcaster) Subscribe(kind Kind, id extensions.ExtensionID, dispatch Dispatch) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], subscription{id: id, dispatch: dispatch})
	idx := len(b.subs[kind]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[kind]
		if idx < len(subs) {
			subs[idx].dispatch = nil
		}
	}
}

// Unsubscribe removes every subscription belonging to id, used when a
// worker terminates or is disposed.
func (b *Broadcaster) Unsubscribe(id extensions.ExtensionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for kind, subs := range b.subs {
		kept := subs[:0]
		for _, s := range subs {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		b.subs[kind] = kept
	}
}

// Broadcast delivers event to every live subscriber of its kind, applying
// the selectionChanged truncation rule first. Delivery
// failures are logged, not returned, since one worker's failure must
// never block delivery to the rest (spec §4.7).
func (b *Broadcaster) Broadcast(ctx context.Context, event Event) {
	truncated := truncatePayload(&event)

	b.mu.RLock()
	subs := append([]subscription{}, b.subs[event.Kind]...)
	b.mu.RUnlock()

	b.metrics.broadcastsTotal.WithLabelValues(string(event.Kind)).Inc()
	if truncated {
		b.metrics.truncatedTotal.WithLabelValues(string(event.Kind)).Inc()
	}

	for _, s := range subs {
		if s.dispatch == nil {
			continue
		}
		size := payloadSizeEstimate(event.Payload)
		b.metrics.payloadBytes.WithLabelValues(string(event.Kind)).Observe(float64(size))
		if err := s.dispatch(ctx, s.id, event); err != nil {
			logging.S().Warnw("event dispatch failed", "kind", event.Kind, "extension", s.id, "error", err)
		}
	}
}

// EmitConfigChanged delivers a configChanged event only to the extension
// that owns key, never broadcasting it to every subscriber (spec §4.7:
// "targeted, not broadcast"). It satisfies api.EventEmitter.
func (b *Broadcaster) EmitConfigChanged(id extensions.ExtensionID, key string, value interface{}) {
	b.mu.RLock()
	subs := append([]subscription{}, b.subs[KindConfigChanged]...)
	b.mu.RUnlock()

	b.metrics.broadcastsTotal.WithLabelValues(string(KindConfigChanged)).Inc()
	for _, s := range subs {
		if s.dispatch == nil || s.id != id {
			continue
		}
		event := Event{Kind: KindConfigChanged, Payload: map[string]interface{}{"key": key, "value": value}}
		if err := s.dispatch(context.Background(), s.id, event); err != nil {
			logging.S().Warnw("configChanged dispatch failed", "extension", id, "error", err)
		}
	}
}
