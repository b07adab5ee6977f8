package manifest

import (
	"strings"
	"testing"

	"github.com/apex-build/sheetext-host/internal/extensions"
)

const validManifestJSON = `{
  "name": "csv-importer",
  "version": "1.0.0",
  "publisher": "acme",
  "main": "dist/main.js",
  "engines": { "formula": "^1.0.0" },
  "activationEvents": ["onCommand:csv.import", "onStartupFinished"],
  "permissions": ["cells.write", "network"],
  "contributes": {
    "commands": [{ "command": "csv.import", "title": "Import CSV" }],
    "customFunctions": [
      { "name": "CSVLOOKUP", "result": { "type": "string" }, "parameters": [{ "name": "key", "type": "string" }] }
    ]
  }
}`

func TestValidateAccepts(t *testing.T) {
	t.Parallel()

	m, err := Validate([]byte(validManifestJSON), Options{EngineVersion: "1.2.0", EnforceEngine: true})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.ID() != extensions.NewExtensionID("acme", "csv-importer") {
		t.Fatalf("ID() = %v", m.ID())
	}
	if !m.HasPermission(extensions.PermNetwork) {
		t.Fatalf("expected network permission to be declared")
	}
	if len(m.ActivationEvents) != 2 {
		t.Fatalf("ActivationEvents = %d, want 2", len(m.ActivationEvents))
	}
}

func TestValidateRejectsEngineMismatch(t *testing.T) {
	t.Parallel()

	_, err := Validate([]byte(validManifestJSON), Options{EngineVersion: "0.9.0", EnforceEngine: true})
	if err == nil {
		t.Fatal("expected an engine-mismatch error")
	}
	var me *extensions.ManifestError
	if !asManifestError(err, &me) {
		t.Fatalf("error %v is not a *extensions.ManifestError", err)
	}
}

func TestValidateRejectsUnknownActivationTarget(t *testing.T) {
	t.Parallel()

	raw := strings.Replace(validManifestJSON, `"onCommand:csv.import"`, `"onCommand:csv.doesNotExist"`, 1)
	_, err := Validate([]byte(raw), Options{})
	if err == nil {
		t.Fatal("expected an error for an activation event referencing an undeclared command")
	}
}

func TestValidateRejectsDuplicateCommand(t *testing.T) {
	t.Parallel()

	raw := `{
      "name": "dup", "version": "1.0.0", "publisher": "acme", "main": "dist/main.js",
      "engines": { "formula": "^1.0.0" },
      "contributes": { "commands": [
        { "command": "a.cmd", "title": "A" },
        { "command": "a.cmd", "title": "B" }
      ]}
    }`
	_, err := Validate([]byte(raw), Options{})
	if err == nil {
		t.Fatal("expected a duplicate-command error")
	}
}

func TestValidateRejectsUnknownPermission(t *testing.T) {
	t.Parallel()

	raw := strings.Replace(validManifestJSON, `"cells.write"`, `"filesystem.write"`, 1)
	_, err := Validate([]byte(raw), Options{})
	if err == nil {
		t.Fatal("expected an unknown-permission error")
	}
}

func TestValidateRequiresEnginesFormula(t *testing.T) {
	t.Parallel()

	raw := `{"name":"x","version":"1.0.0","publisher":"acme","main":"dist/main.js"}`
	_, err := Validate([]byte(raw), Options{})
	if err == nil {
		t.Fatal("expected engines.formula to be required")
	}
}

func TestValidateRequiresCustomFunctionResultType(t *testing.T) {
	t.Parallel()

	raw := `{
      "name": "x", "version": "1.0.0", "publisher": "acme", "main": "dist/main.js",
      "engines": { "formula": "^1.0.0" },
      "contributes": { "customFunctions": [{ "name": "F", "result": {} }] }
    }`
	_, err := Validate([]byte(raw), Options{})
	if err == nil {
		t.Fatal("expected an error for a custom function missing result.type")
	}
}

func asManifestError(err error, target **extensions.ManifestError) bool {
	me, ok := err.(*extensions.ManifestError)
	if !ok {
		return false
	}
	*target = me
	return true
}
