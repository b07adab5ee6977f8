package api

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/apex-build/sheetext-host/internal/extensions"
)

// Panel is the runtime record for one ui.createPanel registration. It is
// the RuntimeRegistry's panel table entry and matches the Panel data model
// exactly: id, title, html, owning extension, and the queue of messages the
// extension has posted toward the panel's UI awaiting delivery.
type Panel struct {
	ID               string                 `json:"id"`
	Title            string                 `json:"title"`
	HTML             string                 `json:"html"`
	ExtensionID      extensions.ExtensionID `json:"extensionId"`
	OutgoingMessages []json.RawMessage      `json:"outgoingMessages"`
}

// ContextMenuItem is one entry contributed to a context menu.
type ContextMenuItem struct {
	Command string `json:"command"`
	When    string `json:"when,omitempty"`
	Group   string `json:"group,omitempty"`
}

// ContextMenu is the runtime record for a ui.registerMenuItem registration.
type ContextMenu struct {
	ID          string                 `json:"id"`
	ExtensionID extensions.ExtensionID `json:"extensionId"`
	MenuID      string                 `json:"menuId"`
	Items       []ContextMenuItem      `json:"items"`
}

// maxOutgoingPanelMessages bounds a panel's queue so an extension with no
// connected front-end can't grow it without limit.
const maxOutgoingPanelMessages = 256

// CreatePanel registers a panel owned by id. Re-registering the same
// panelId from its own owner updates title/html in place rather than
// rejecting, so an extension can redraw its panel without losing the
// queued outgoing messages; registering over another extension's panelId
// fails.
func (d *Dispatcher) CreatePanel(id extensions.ExtensionID, panelID, title, html string) (*Panel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, exists := d.panels[panelID]; exists {
		if p.ExtensionID != id {
			return nil, &extensions.ShapeError{Detail: fmt.Sprintf("panel %q is already registered by %s", panelID, p.ExtensionID)}
		}
		p.Title, p.HTML = title, html
		return p, nil
	}
	p := &Panel{ID: panelID, Title: title, HTML: html, ExtensionID: id}
	d.panels[panelID] = p
	return p, nil
}

// PostPanelMessage queues message for delivery to panelID's UI, failing if
// id does not own the panel.
func (d *Dispatcher) PostPanelMessage(id extensions.ExtensionID, panelID string, message json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.panels[panelID]
	if !ok {
		return &extensions.ShapeError{Detail: fmt.Sprintf("panel %q is not registered", panelID)}
	}
	if p.ExtensionID != id {
		return &extensions.ShapeError{Detail: fmt.Sprintf("panel %q is owned by %s", panelID, p.ExtensionID)}
	}
	if len(p.OutgoingMessages) >= maxOutgoingPanelMessages {
		p.OutgoingMessages = p.OutgoingMessages[1:]
	}
	p.OutgoingMessages = append(p.OutgoingMessages, message)
	return nil
}

// RegisterMenuItem appends item to menuID's context menu, creating the
// registration on its first use. Once a menu exists, only its original
// owner may add further items, mirroring RegisterCommand's ownership rule.
func (d *Dispatcher) RegisterMenuItem(id extensions.ExtensionID, menuID string, item ContextMenuItem) (*ContextMenu, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, exists := d.contextMenus[menuID]
	if !exists {
		m = &ContextMenu{ID: menuID, ExtensionID: id, MenuID: menuID}
		d.contextMenus[menuID] = m
	} else if m.ExtensionID != id {
		return nil, &extensions.ShapeError{Detail: fmt.Sprintf("menu %q is already registered by %s", menuID, m.ExtensionID)}
	}
	m.Items = append(m.Items, item)
	return m, nil
}

// Panels returns every registered panel sorted by id, for a host-facing
// inspection surface.
func (d *Dispatcher) Panels() []*Panel {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Panel, 0, len(d.panels))
	for _, p := range d.panels {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ContextMenus returns every registered context menu sorted by id.
func (d *Dispatcher) ContextMenus() []*ContextMenu {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*ContextMenu, 0, len(d.contextMenus))
	for _, m := range d.contextMenus {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
