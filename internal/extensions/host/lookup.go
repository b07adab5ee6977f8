package host

import "github.com/apex-build/sheetext-host/internal/extensions"

// findOwner scans every loaded manifest for the one contributing id in
// the set matcher selects, returning its ExtensionID.
func (h *Host) findOwner(matcher func(*extensions.Manifest) bool) (extensions.ExtensionID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, r := range h.records {
		if matcher(r.manifest) {
			return id, true
		}
	}
	return "", false
}

func (h *Host) commandOwner(command string) (extensions.ExtensionID, bool) {
	return h.findOwner(func(m *extensions.Manifest) bool {
		for _, c := range m.Contributes.Commands {
			if c.Command == command {
				return true
			}
		}
		return false
	})
}

func (h *Host) customFunctionOwner(name string) (extensions.ExtensionID, bool) {
	return h.findOwner(func(m *extensions.Manifest) bool {
		for _, f := range m.Contributes.CustomFunctions {
			if f.Name == name {
				return true
			}
		}
		return false
	})
}

func (h *Host) dataConnectorOwner(id string) (extensions.ExtensionID, bool) {
	return h.findOwner(func(m *extensions.Manifest) bool {
		for _, c := range m.Contributes.DataConnectors {
			if c.ID == id {
				return true
			}
		}
		return false
	})
}

func (h *Host) panelOwner(panelID string) (extensions.ExtensionID, bool) {
	return h.findOwner(func(m *extensions.Manifest) bool {
		for _, p := range m.Contributes.Panels {
			if p.ID == panelID {
				return true
			}
		}
		return false
	})
}

// hasActivationEvent reports whether m declares the given kind/target
// activation event (spec §5: activation by command/view/custom-function/
// data-connector id always requires the matching declared event).
func hasActivationEvent(m *extensions.Manifest, kind extensions.ActivationEventKind, target string) bool {
	for _, ev := range m.ActivationEvents {
		if ev.Kind == kind && ev.Target == target {
			return true
		}
	}
	return false
}

func hasStartupActivation(m *extensions.Manifest) bool {
	for _, ev := range m.ActivationEvents {
		if ev.Kind == extensions.ActivationOnStartupFinished {
			return true
		}
	}
	return false
}
