package rules

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/yinz628/email-filter-sub004/internal/expr"
)

func writeRuleFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newFolderEnv(t *testing.T) *expr.Environment {
	t.Helper()
	env, err := expr.NewEnvironment()
	if err != nil {
		t.Fatalf("environment: %v", err)
	}
	return env
}

func TestFolderSourceLoadsAllFormats(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writeRuleFile(t, filepath.Join(dir, "corp.yaml"),
		"rules:\n  - id: y1\n    scope: worker-1\n    priority: 1\n    action: allow\n    condition: 'message.sender.endsWith(\"@corp.example\")'\n")
	writeRuleFile(t, filepath.Join(dir, "size.json"),
		`{"rules": [{"id": "j1", "scope": "worker-1", "priority": 2, "action": "block", "condition": "message.size > 100"}]}`)
	writeRuleFile(t, filepath.Join(dir, "subject.toml"),
		"[[rules]]\nid = \"t1\"\npriority = 3\naction = \"flag\"\ncondition = 'message.subject.contains(\"toml\")'\n")
	writeRuleFile(t, filepath.Join(dir, "notes.txt"), "not a rules file")

	source, err := NewFolderSource(ctx, dir, newFolderEnv(t), nil)
	if err != nil {
		t.Fatalf("new folder source: %v", err)
	}

	loaded, err := source.Load(ctx, "worker-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected three rules (two scoped, one global), got %d", len(loaded))
	}
	if loaded[0].ID != "y1" || loaded[1].ID != "j1" || loaded[2].ID != "t1" {
		t.Fatalf("unexpected evaluation order: %v %v %v", loaded[0].ID, loaded[1].ID, loaded[2].ID)
	}
	if len(source.Skips()) != 0 {
		t.Fatalf("expected no skips, got %v", source.Skips())
	}

	other, err := source.Load(ctx, "worker-2")
	if err != nil {
		t.Fatalf("load other scope: %v", err)
	}
	if len(other) != 1 || other[0].ID != "t1" {
		t.Fatalf("expected only the global toml rule for worker-2, got %v", other)
	}
}

func TestFolderSourceSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writeRuleFile(t, filepath.Join(dir, "a.yaml"),
		"rules:\n  - id: dup\n    scope: worker-1\n    action: allow\n    condition: 'true'\n")
	writeRuleFile(t, filepath.Join(dir, "b.yaml"),
		"rules:\n  - id: dup\n    scope: worker-1\n    action: block\n    condition: 'true'\n")

	source, err := NewFolderSource(ctx, dir, newFolderEnv(t), nil)
	if err != nil {
		t.Fatalf("new folder source: %v", err)
	}

	loaded, err := source.Load(ctx, "worker-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected ambiguous duplicates to be dropped, got %v", loaded)
	}

	skips := source.Skips()
	if len(skips) != 1 {
		t.Fatalf("expected one skip record, got %v", skips)
	}
	skip := skips[0]
	if skip.RuleID != "dup" || skip.Scope != "worker-1" {
		t.Fatalf("unexpected skip identity: %+v", skip)
	}
	if skip.Reason != "duplicate definition" {
		t.Fatalf("unexpected skip reason: %q", skip.Reason)
	}
	if !slices.Contains(skip.Sources, filepath.Join(dir, "a.yaml")) ||
		!slices.Contains(skip.Sources, filepath.Join(dir, "b.yaml")) {
		t.Fatalf("expected both files recorded, got %v", skip.Sources)
	}
}

func TestFolderSourceSkipsInvalidDefinitions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writeRuleFile(t, filepath.Join(dir, "rules.yaml"),
		"rules:\n"+
			"  - id: good\n    scope: worker-1\n    action: allow\n    condition: 'true'\n"+
			"  - id: bad-cel\n    scope: worker-1\n    action: allow\n    condition: 'message.size >'\n"+
			"  - id: bad-action\n    scope: worker-1\n    action: bounce\n    condition: 'true'\n")

	source, err := NewFolderSource(ctx, dir, newFolderEnv(t), nil)
	if err != nil {
		t.Fatalf("new folder source: %v", err)
	}

	loaded, err := source.Load(ctx, "worker-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "good" {
		t.Fatalf("expected only the valid rule to survive, got %v", loaded)
	}

	skips := source.Skips()
	if len(skips) != 2 {
		t.Fatalf("expected two skips, got %v", skips)
	}
	for _, skip := range skips {
		if !strings.Contains(skip.Reason, "invalid definition") {
			t.Fatalf("unexpected reason for %s: %q", skip.RuleID, skip.Reason)
		}
	}
}

func TestFolderSourceReadsSubdirectories(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writeRuleFile(t, filepath.Join(dir, "tenants", "worker-1.yaml"),
		"rules:\n  - id: nested\n    scope: worker-1\n    action: flag\n    condition: 'true'\n")

	source, err := NewFolderSource(ctx, dir, newFolderEnv(t), nil)
	if err != nil {
		t.Fatalf("new folder source: %v", err)
	}
	loaded, err := source.Load(ctx, "worker-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "nested" {
		t.Fatalf("expected rule from subdirectory, got %v", loaded)
	}
}

func TestFolderSourceRefreshSwapsTable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	writeRuleFile(t, path,
		"rules:\n  - id: v1\n    scope: worker-1\n    action: allow\n    condition: 'true'\n")

	source, err := NewFolderSource(ctx, dir, newFolderEnv(t), nil)
	if err != nil {
		t.Fatalf("new folder source: %v", err)
	}

	writeRuleFile(t, path,
		"rules:\n  - id: v2\n    scope: worker-1\n    action: block\n    condition: 'true'\n")
	if err := source.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	loaded, err := source.Load(ctx, "worker-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "v2" {
		t.Fatalf("expected refreshed rule set, got %v", loaded)
	}
}

func TestNewFolderSourceRejectsMissingDir(t *testing.T) {
	ctx := context.Background()
	if _, err := NewFolderSource(ctx, filepath.Join(t.TempDir(), "absent"), newFolderEnv(t), nil); err == nil {
		t.Fatal("expected error for missing directory")
	}
	if _, err := NewFolderSource(ctx, "", newFolderEnv(t), nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}
