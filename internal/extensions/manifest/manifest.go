// Package manifest validates and normalizes package.json-style extension
// manifests, grounded on the teacher's manifest parsing in
// internal/extensions/service.go (validateManifest, isValidSemver) and
// models.go (ExtensionManifest), generalized to the host's full
// activation-event/contribution cross-check and engine range satisfaction.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/apex-build/sheetext-host/internal/extensions"
)

// rawManifest mirrors the JSON shape exactly as authored in package.json.
type rawManifest struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Publisher string `json:"publisher"`
	Main      string `json:"main"`
	Engines   struct {
		Formula string `json:"formula"`
	} `json:"engines"`
	ActivationEvents []string              `json:"activationEvents"`
	Permissions      []string              `json:"permissions"`
	Contributes      *rawContributes       `json:"contributes"`
}

type rawContributes struct {
	Commands    []extensions.CommandContribution    `json:"commands"`
	Panels      []extensions.PanelContribution      `json:"panels"`
	Keybindings []extensions.KeybindingContribution `json:"keybindings"`
	Menus       map[string][]extensions.MenuItem    `json:"menus"`
	CustomFunctions []struct {
		Name   string `json:"name"`
		Result struct {
			Type string `json:"type"`
		} `json:"result"`
		Parameters []extensions.CustomFunctionParameter `json:"parameters"`
	} `json:"customFunctions"`
	DataConnectors []extensions.DataConnectorContribution `json:"dataConnectors"`
	Configuration  *struct {
		Properties map[string]extensions.ConfigurationProperty `json:"properties"`
	} `json:"configuration"`
}

// Options configures engine-version enforcement.
type Options struct {
	EngineVersion  string
	EnforceEngine  bool
}

// Validate parses raw manifest JSON, applies every rule in spec §4.1, and
// returns a normalized, immutable extensions.Manifest.
func Validate(raw []byte, opts Options) (*extensions.Manifest, error) {
	var rm rawManifest
	if err := json.Unmarshal(raw, &rm); err != nil {
		return nil, manifestErrf("invalid JSON: %v", err)
	}

	if rm.Name == "" {
		return nil, manifestErrf("%s", "name is required")
	}
	if rm.Publisher == "" {
		return nil, manifestErrf("%s", "publisher is required")
	}
	if rm.Main == "" {
		return nil, manifestErrf("%s", "main is required")
	}
	if rm.Version == "" {
		return nil, manifestErrf("%s", "version is required")
	}
	version, err := semver.NewVersion(rm.Version)
	if err != nil {
		return nil, manifestErrf("version %q is not valid semver: %v", rm.Version, err)
	}

	if rm.Engines.Formula == "" {
		return nil, manifestErrf("%s", "engines.formula is required")
	}
	if opts.EnforceEngine {
		constraint, err := semver.NewConstraint(rm.Engines.Formula)
		if err != nil {
			return nil, manifestErrf("engines.formula %q is not a valid range: %v", rm.Engines.Formula, err)
		}
		engineVer, err := semver.NewVersion(opts.EngineVersion)
		if err != nil {
			return nil, manifestErrf("host engine version %q is not valid semver: %v", opts.EngineVersion, err)
		}
		if !constraint.Check(engineVer) {
			return nil, manifestErrf("extension requires engine %q, host provides %q", rm.Engines.Formula, opts.EngineVersion)
		}
	}

	contributes, warnings, err := normalizeContributes(rm.Contributes)
	if err != nil {
		return nil, err
	}

	permissions, err := normalizePermissions(rm.Permissions)
	if err != nil {
		return nil, err
	}

	activationEvents, err := normalizeActivationEvents(rm.ActivationEvents, contributes)
	if err != nil {
		return nil, err
	}

	m := &extensions.Manifest{
		Name:             rm.Name,
		Version:          version.String(),
		Publisher:        rm.Publisher,
		Main:             rm.Main,
		Engines:          extensions.EnginesSpec{Formula: rm.Engines.Formula},
		ActivationEvents: activationEvents,
		Permissions:      permissions,
		Contributes:      contributes,
		Warnings:         warnings,
	}
	return m, nil
}

func normalizePermissions(raw []string) ([]extensions.Permission, error) {
	out := make([]extensions.Permission, 0, len(raw))
	for _, p := range raw {
		perm := extensions.Permission(p)
		if !extensions.ValidPermissions[perm] {
			return nil, manifestErrf("unknown permission %q", p)
		}
		out = append(out, perm)
	}
	return out, nil
}

func normalizeContributes(rc *rawContributes) (extensions.Contributes, []string, error) {
	out := extensions.Contributes{
		Commands:        []extensions.CommandContribution{},
		Panels:          []extensions.PanelContribution{},
		Keybindings:     []extensions.KeybindingContribution{},
		Menus:           map[string][]extensions.MenuItem{},
		CustomFunctions: []extensions.CustomFunctionContribution{},
		DataConnectors:  []extensions.DataConnectorContribution{},
		Configuration:   extensions.ConfigurationSchema{Properties: map[string]extensions.ConfigurationProperty{}},
	}
	var warnings []string
	if rc == nil {
		return out, warnings, nil
	}

	seenCommands := map[string]bool{}
	for _, c := range rc.Commands {
		if c.Command == "" {
			return out, nil, manifestErrf("%s", "contributes.commands[].command must be non-empty")
		}
		if seenCommands[c.Command] {
			return out, nil, manifestErrf("duplicate command %q", c.Command)
		}
		seenCommands[c.Command] = true
	}
	out.Commands = rc.Commands

	seenPanels := map[string]bool{}
	for _, p := range rc.Panels {
		if p.ID == "" {
			return out, nil, manifestErrf("%s", "contributes.panels[].id must be non-empty")
		}
		if seenPanels[p.ID] {
			return out, nil, manifestErrf("duplicate panel id %q", p.ID)
		}
		seenPanels[p.ID] = true
	}
	out.Panels = rc.Panels

	out.Keybindings = rc.Keybindings
	if rc.Menus != nil {
		out.Menus = rc.Menus
	}

	seenFns := map[string]bool{}
	for _, f := range rc.CustomFunctions {
		if f.Name == "" {
			return out, nil, manifestErrf("%s", "contributes.customFunctions[].name must be non-empty")
		}
		if seenFns[f.Name] {
			return out, nil, manifestErrf("duplicate custom function %q", f.Name)
		}
		seenFns[f.Name] = true
		if f.Result.Type == "" {
			return out, nil, manifestErrf("custom function %q must declare result.type", f.Name)
		}
		for _, p := range f.Parameters {
			if p.Name == "" || p.Type == "" {
				return out, nil, manifestErrf("custom function %q has a parameter missing name/type", f.Name)
			}
		}
		out.CustomFunctions = append(out.CustomFunctions, extensions.CustomFunctionContribution{
			Name:       f.Name,
			Result:     extensions.CustomFunctionResult{Type: f.Result.Type},
			Parameters: f.Parameters,
		})
	}

	seenConnectors := map[string]bool{}
	for _, c := range rc.DataConnectors {
		if c.ID == "" {
			return out, nil, manifestErrf("%s", "contributes.dataConnectors[].id must be non-empty")
		}
		if seenConnectors[c.ID] {
			return out, nil, manifestErrf("duplicate data connector %q", c.ID)
		}
		seenConnectors[c.ID] = true
	}
	out.DataConnectors = rc.DataConnectors

	if rc.Configuration != nil {
		for key, prop := range rc.Configuration.Properties {
			if prop.Type == "" {
				return out, nil, manifestErrf("configuration property %q must declare type", key)
			}
			out.Configuration.Properties[key] = prop
		}
	}

	return out, warnings, nil
}

func normalizeActivationEvents(raw []string, contributes extensions.Contributes) ([]extensions.ActivationEvent, error) {
	commands := map[string]bool{}
	for _, c := range contributes.Commands {
		commands[c.Command] = true
	}
	panels := map[string]bool{}
	for _, p := range contributes.Panels {
		panels[p.ID] = true
	}
	fns := map[string]bool{}
	for _, f := range contributes.CustomFunctions {
		fns[f.Name] = true
	}
	connectors := map[string]bool{}
	for _, c := range contributes.DataConnectors {
		connectors[c.ID] = true
	}

	out := make([]extensions.ActivationEvent, 0, len(raw))
	for _, r := range raw {
		ev, err := extensions.ParseActivationEvent(r)
		if err != nil {
			return nil, manifestErrf("%v", err)
		}
		switch ev.Kind {
		case extensions.ActivationOnStartupFinished:
		case extensions.ActivationOnCommand:
			if !commands[ev.Target] {
				return nil, manifestErrf("activation event references unknown command %q", ev.Target)
			}
		case extensions.ActivationOnView:
			if !panels[ev.Target] {
				return nil, manifestErrf("activation event references unknown view %q", ev.Target)
			}
		case extensions.ActivationOnCustomFunction:
			if !fns[ev.Target] {
				return nil, manifestErrf("activation event references unknown custom function %q", ev.Target)
			}
		case extensions.ActivationOnDataConnector:
			if !connectors[ev.Target] {
				return nil, manifestErrf("activation event references unknown data connector %q", ev.Target)
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

func manifestErrf(format string, args ...interface{}) error {
	return &extensions.ManifestError{Reason: fmt.Sprintf(format, args...)}
}
