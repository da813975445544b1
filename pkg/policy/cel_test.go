package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func testCELEngine(t *testing.T) *CELEngine {
	t.Helper()
	engine, err := NewCELEngine(map[string][]string{
		"governance/actions": {
			`action != "self_modify"`,
			`agent_id.startsWith("agent-")`,
		},
	})
	if err != nil {
		t.Fatalf("NewCELEngine: %v", err)
	}
	return engine
}

func TestCELEngine_AllRulesPass(t *testing.T) {
	engine := testCELEngine(t)
	resp, err := engine.Evaluate(context.Background(), map[string]any{
		"agent_id": "agent-7",
		"action":   "read",
	}, "governance/actions")
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Allowed {
		t.Errorf("expected allow, got %+v", resp)
	}
}

func TestCELEngine_RuleDenies(t *testing.T) {
	engine := testCELEngine(t)
	resp, _ := engine.Evaluate(context.Background(), map[string]any{
		"agent_id": "agent-7",
		"action":   "self_modify",
	}, "governance/actions")
	if resp.Allowed {
		t.Error("rule violation must deny")
	}
}

func TestCELEngine_UnknownPathDenies(t *testing.T) {
	engine := testCELEngine(t)
	resp, _ := engine.Evaluate(context.Background(), map[string]any{}, "governance/unknown")
	if resp.Allowed {
		t.Error("missing policy path must deny")
	}
}

func TestCELEngine_BadExpressionFailsClosed(t *testing.T) {
	engine, err := NewCELEngine(map[string][]string{
		"p": {`this is not CEL (((`},
	})
	if err != nil {
		t.Fatalf("construction should succeed, compilation is lazy: %v", err)
	}
	resp, evalErr := engine.Evaluate(context.Background(), map[string]any{"agent_id": "a"}, "p")
	if evalErr != nil {
		t.Fatalf("compile failure must map to deny: %v", evalErr)
	}
	if resp.Allowed {
		t.Error("uncompilable rule must deny")
	}
	if resp.Metadata["security"] != "fail-closed" {
		t.Errorf("metadata = %v", resp.Metadata)
	}
}

func TestCELEngine_CanceledContextDenies(t *testing.T) {
	engine := testCELEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, _ := engine.Evaluate(ctx, map[string]any{"agent_id": "agent-1"}, "governance/actions")
	if resp.Allowed {
		t.Error("canceled context must deny")
	}
}

func TestLoadBundle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.yaml")
	content := []byte(`
name: base-governance
version: "2.1.0"
min_engine_version: "1.0.0"
rules:
  governance/actions:
    - 'action != "self_modify"'
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	bundle, err := LoadBundle(path)
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	if bundle.Name != "base-governance" || len(bundle.Rules["governance/actions"]) != 1 {
		t.Errorf("got %+v", bundle)
	}
	if _, err := bundle.Engine(); err != nil {
		t.Errorf("Engine: %v", err)
	}
}

func TestLoadBundle_EngineVersionGate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.yaml")
	content := []byte(`
name: future-bundle
min_engine_version: "99.0.0"
rules: {}
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadBundle(path); err == nil {
		t.Error("bundle requiring a newer engine must be refused")
	}
}
