package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adred-codev/resolver/internal/wire"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.MaxConnections != 10000 {
		t.Errorf("MaxConnections = %d, want 10000", cfg.Server.MaxConnections)
	}
	if cfg.Server.HelloTimeout != 10*time.Second {
		t.Errorf("HelloTimeout = %v, want 10s", cfg.Server.HelloTimeout)
	}
	if cfg.Server.ShardCount != 16 {
		t.Errorf("ShardCount = %d, want 16", cfg.Server.ShardCount)
	}
	if cfg.Auth.Mode != "anonymous" {
		t.Errorf("Auth.Mode = %q, want anonymous", cfg.Auth.Mode)
	}
}

func TestLoadPermissionRules(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "perms.json")
	body := []map[string]any{
		{"prefix": "/", "perms": []string{"subscribe", "list"}},
		{"prefix": "/svc/billing", "perms": []string{"publish", "publish_default"}},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	rules, err := LoadPermissionRules(p)
	if err != nil {
		t.Fatalf("LoadPermissionRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if rules[1].Prefix.String() != "/svc/billing" {
		t.Errorf("rules preserve file order (secstore.New does the depth sort), got %q second", rules[1].Prefix.String())
	}
	if !rules[1].Perms.Has(wire.PermPublish) {
		t.Errorf("expected publish bit set on /svc/billing rule")
	}
}

func TestLoadPermissionRulesUnknownPermission(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "perms.json")
	body := []map[string]any{{"prefix": "/", "perms": []string{"bogus"}}}
	raw, _ := json.Marshal(body)
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadPermissionRules(p); err == nil {
		t.Fatal("expected error for unknown permission name")
	}
}

func TestLoadChildReferralsAndParent(t *testing.T) {
	dir := t.TempDir()

	childPath := filepath.Join(dir, "children.json")
	children := []map[string]any{
		{"path": "/svc/archive", "targets": []string{"10.0.0.5:4343", "10.0.0.6:4343"}},
	}
	raw, _ := json.Marshal(children)
	if err := os.WriteFile(childPath, raw, 0o644); err != nil {
		t.Fatalf("write children: %v", err)
	}

	parentPath := filepath.Join(dir, "parent.json")
	parent := map[string]any{"path": "/", "targets": []string{"10.0.0.1:4343"}}
	raw, _ = json.Marshal(parent)
	if err := os.WriteFile(parentPath, raw, 0o644); err != nil {
		t.Fatalf("write parent: %v", err)
	}

	children2, err := LoadChildReferrals(childPath)
	if err != nil {
		t.Fatalf("LoadChildReferrals: %v", err)
	}
	ref, ok := children2["/svc/archive"]
	if !ok {
		t.Fatal("missing /svc/archive referral")
	}
	if len(ref.Targets) != 2 {
		t.Errorf("got %d targets, want 2", len(ref.Targets))
	}

	parentRef, err := LoadParentReferral(parentPath)
	if err != nil {
		t.Fatalf("LoadParentReferral: %v", err)
	}
	if parentRef == nil || parentRef.Path != "/" {
		t.Fatalf("unexpected parent referral: %+v", parentRef)
	}
}

func TestLoadChildReferralsEmptyPath(t *testing.T) {
	refs, err := LoadChildReferrals("")
	if err != nil {
		t.Fatalf("LoadChildReferrals(\"\"): %v", err)
	}
	if refs != nil {
		t.Errorf("expected nil map for empty path, got %v", refs)
	}
}
