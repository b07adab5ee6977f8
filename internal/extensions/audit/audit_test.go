package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/extensions/api"
)

func TestLogDeniedPersistsAndRecentReturnsNewestFirst(t *testing.T) {
	t.Parallel()
	sink, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	sink.LogDenied(ctx, api.AuditEvent{
		ExtensionID: extensions.NewExtensionID("t", "x"),
		APIKey:      "cells.getRange",
		Permissions: []extensions.Permission{extensions.PermCellsRead},
		Message:     "permission \"cells.read\" was denied",
	})
	sink.LogDenied(ctx, api.AuditEvent{
		ExtensionID: extensions.NewExtensionID("t", "x"),
		APIKey:      "network.fetch",
		Permissions: []extensions.Permission{extensions.PermNetwork},
		URL:         "https://example.com",
		Message:     "host not in allowlist",
	})

	rows, err := sink.Recent("t.x", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].APIKey != "network.fetch" {
		t.Fatalf("rows[0].APIKey = %q, want the most recently logged event first", rows[0].APIKey)
	}
}

func TestRecentScopedToExtension(t *testing.T) {
	t.Parallel()
	sink, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	sink.LogDenied(ctx, api.AuditEvent{ExtensionID: extensions.NewExtensionID("t", "x"), APIKey: "a", Message: "m"})
	sink.LogDenied(ctx, api.AuditEvent{ExtensionID: extensions.NewExtensionID("t", "y"), APIKey: "b", Message: "m"})

	rows, err := sink.Recent("t.x", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 1 || rows[0].APIKey != "a" {
		t.Fatalf("rows = %+v, want exactly the one row belonging to t.x", rows)
	}
}
