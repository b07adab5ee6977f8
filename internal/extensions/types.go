// Package extensions defines the shared types of the spreadsheet extension
// host: the manifest shape, permission vocabulary, and error taxonomy used
// by every subsystem (manifest validation, permission management, the
// sandbox loader, the worker protocol, the API dispatcher, the event
// broadcaster, and the host facade).
package extensions

import (
	"fmt"
	"strings"
)

// MaxRangeCells bounds the number of cells a single getRange/setRange/
// selection read may touch before the host rejects it or truncates a
// broadcast payload.
const MaxRangeCells = 200_000

// Permission is a coarse capability name an extension must declare and be
// granted before the host will perform the corresponding privileged
// operation on its behalf.
type Permission string

const (
	PermCellsRead     Permission = "cells.read"
	PermCellsWrite    Permission = "cells.write"
	PermSheetsManage  Permission = "sheets.manage"
	PermWorkbookManage Permission = "workbook.manage"
	PermNetwork       Permission = "network"
	PermClipboard     Permission = "clipboard"
	PermStorage       Permission = "storage"
	PermUIPanels      Permission = "ui.panels"
	PermUICommands    Permission = "ui.commands"
	PermUIMenus       Permission = "ui.menus"
)

// ValidPermissions is the fixed set manifests may declare against.
var ValidPermissions = map[Permission]bool{
	PermCellsRead:      true,
	PermCellsWrite:     true,
	PermSheetsManage:   true,
	PermWorkbookManage: true,
	PermNetwork:        true,
	PermClipboard:      true,
	PermStorage:        true,
	PermUIPanels:       true,
	PermUICommands:     true,
	PermUIMenus:        true,
}

// ExtensionID is "{publisher}.{name}", unique per host. It must not contain
// path separators or NULs.
type ExtensionID string

// Valid reports whether the id is a well-formed, non-path-escaping identity.
func (id ExtensionID) Valid() bool {
	s := string(id)
	if s == "" {
		return false
	}
	if strings.ContainsAny(s, "/\\\x00") {
		return false
	}
	return true
}

func (id ExtensionID) String() string { return string(id) }

// NewExtensionID builds the canonical "{publisher}.{name}" identity.
func NewExtensionID(publisher, name string) ExtensionID {
	return ExtensionID(publisher + "." + name)
}

// ActivationEventKind enumerates the recognized activation-event prefixes.
type ActivationEventKind string

const (
	ActivationOnStartupFinished  ActivationEventKind = "onStartupFinished"
	ActivationOnCommand          ActivationEventKind = "onCommand"
	ActivationOnView             ActivationEventKind = "onView"
	ActivationOnCustomFunction   ActivationEventKind = "onCustomFunction"
	ActivationOnDataConnector    ActivationEventKind = "onDataConnector"
)

// ActivationEvent is a parsed "onCommand:t.x.a"-style declarative trigger.
type ActivationEvent struct {
	Kind   ActivationEventKind
	Target string // empty for onStartupFinished
	Raw    string
}

// ParseActivationEvent parses a raw activationEvents[] entry. It does not
// check that Target references a real contribution; that cross-check
// belongs to the manifest validator, which has the full contribution set.
func ParseActivationEvent(raw string) (ActivationEvent, error) {
	if raw == "onStartupFinished" {
		return ActivationEvent{Kind: ActivationOnStartupFinished, Raw: raw}, nil
	}
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return ActivationEvent{}, fmt.Errorf("unrecognized activation event %q", raw)
	}
	kind := ActivationEventKind(parts[0])
	switch kind {
	case ActivationOnCommand, ActivationOnView, ActivationOnCustomFunction, ActivationOnDataConnector:
		return ActivationEvent{Kind: kind, Target: parts[1], Raw: raw}, nil
	default:
		return ActivationEvent{}, fmt.Errorf("unrecognized activation event prefix %q", parts[0])
	}
}

// EnginesSpec carries the engine compatibility requirement from the
// manifest, e.g. {"formula": "^1.0.0"}.
type EnginesSpec struct {
	Formula string `json:"formula"`
}

// CommandContribution is a command an extension offers.
type CommandContribution struct {
	Command string `json:"command"`
	Title   string `json:"title"`
}

// PanelContribution is a UI panel an extension offers.
type PanelContribution struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// KeybindingContribution binds a key combination to a command.
type KeybindingContribution struct {
	Command string `json:"command"`
	Key     string `json:"key"`
	When    string `json:"when,omitempty"`
}

// MenuItem is one entry contributed to a named menu.
type MenuItem struct {
	Command string `json:"command"`
	When    string `json:"when,omitempty"`
	Group   string `json:"group,omitempty"`
}

// CustomFunctionParameter describes one parameter of a custom worksheet
// function.
type CustomFunctionParameter struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// CustomFunctionResult describes the return type of a custom function.
type CustomFunctionResult struct {
	Type string `json:"type"`
}

// CustomFunctionContribution is a worksheet function an extension offers.
type CustomFunctionContribution struct {
	Name       string                    `json:"name"`
	Result     CustomFunctionResult      `json:"result"`
	Parameters []CustomFunctionParameter `json:"parameters"`
}

// DataConnectorContribution is a data source an extension offers.
type DataConnectorContribution struct {
	ID string `json:"id"`
}

// ConfigurationProperty describes one configuration key an extension
// contributes a schema for.
type ConfigurationProperty struct {
	Type        string      `json:"type"`
	Default     interface{} `json:"default"`
	Description string      `json:"description,omitempty"`
}

// Contributes is the set of declarative extension points a manifest may
// populate. All slices/maps are non-nil after normalization.
type Contributes struct {
	Commands       []CommandContribution         `json:"commands"`
	Panels         []PanelContribution            `json:"panels"`
	Keybindings    []KeybindingContribution       `json:"keybindings"`
	Menus          map[string][]MenuItem          `json:"menus"`
	CustomFunctions []CustomFunctionContribution  `json:"customFunctions"`
	DataConnectors []DataConnectorContribution    `json:"dataConnectors"`
	Configuration  ConfigurationSchema            `json:"configuration"`
}

// ConfigurationSchema is the configuration.properties map of a manifest.
type ConfigurationSchema struct {
	Properties map[string]ConfigurationProperty `json:"properties"`
}

// Manifest is a validated, normalized extension manifest. Once returned
// from manifest.Validate it is treated as immutable.
type Manifest struct {
	Name        string
	Version     string
	Publisher   string
	Main        string
	Engines     EnginesSpec
	ActivationEvents []ActivationEvent
	Permissions []Permission
	Contributes Contributes
	Warnings    []string

	// RootDir is the directory on disk the manifest was loaded from. It is
	// set by the loader (not the validator, which only sees raw JSON) and
	// is the basis for SandboxLoader's path confinement.
	RootDir string
}

// ID returns the manifest's canonical ExtensionID.
func (m *Manifest) ID() ExtensionID {
	return NewExtensionID(m.Publisher, m.Name)
}

// HasPermission reports whether the manifest declares perm.
func (m *Manifest) HasPermission(perm Permission) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
