package rbacgate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
version: 1
engine:
  cache_ttl_ms: 60000
  cache_backend: memory
audit:
  buffer: 16
routes:
  - pattern: "DELETE /projects/:id"
    name: delete-project
    roles: [ADMIN, PROJECT_MANAGER]
    require_verified: true
    require_2fa: true
    rate_limit:
      points: 5
      duration: 1m
    audit:
      action: project.delete
  - pattern: "GET /ping"
    name: ping
users:
  - id: u1
    role: ADMIN
    email: admin@example.com
    email_verified: true
    token: t1
memberships:
  - project_id: p1
    members: [u1]
`

func TestLoadYAML(t *testing.T) {
	cfg, err := NewConfigLoader().LoadYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CacheTTL() != time.Minute || cfg.SweepInterval() != time.Minute {
		t.Fatalf("ttl %s sweep %s", cfg.CacheTTL(), cfg.SweepInterval())
	}
	r := cfg.Routes[0]
	if r.Name != "delete-project" || len(r.Roles) != 2 || !r.Require2FA || r.RateLimit == nil ||
		r.RateLimit.Duration != time.Minute || r.Audit == nil || r.Audit.Action != "project.delete" {
		t.Fatalf("unexpected route %+v", r)
	}
	table, err := cfg.RuleTable()
	if err != nil || len(table.PermissionsFor(RoleAdmin)) == 0 {
		t.Fatalf("expected default rules: %v", err)
	}
	if p := cfg.Users[0].Principal(); p.Role != RoleAdmin || !p.EmailVerified {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestLoadJSONDurations(t *testing.T) {
	data := `{"routes":[
		{"pattern":"GET /a","rate_limit":{"points":2,"duration":"30s"}},
		{"pattern":"GET /b","rate_limit":{"points":2,"duration":1000000000}}
	]}`
	cfg, err := NewConfigLoader().LoadJSON([]byte(data))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Routes[0].RateLimit.Duration != 30*time.Second || cfg.Routes[1].RateLimit.Duration != time.Second {
		t.Fatalf("durations %s %s", cfg.Routes[0].RateLimit.Duration, cfg.Routes[1].RateLimit.Duration)
	}
}

func TestConfigValidation(t *testing.T) {
	cases := map[string]string{
		"unknown backend":  "engine: {cache_backend: redis}",
		"unknown role":     "routes: [{pattern: 'GET /x', roles: [OWNER]}]",
		"zero points":      "routes: [{pattern: 'GET /x', rate_limit: {points: 0, duration: 1s}}]",
		"duplicate routes": "routes: [{pattern: 'GET /x'}, {pattern: 'GET /x'}]",
		"missing pattern":  "routes: [{name: x}]",
		"bad rule":         "rules: [{role: ADMIN, permissions: [{action: FLY, resource: PROJECT}]}]",
		"bad user role":    "users: [{id: u, role: ROOT}]",
		"bad email":        "users: [{id: u, role: ADMIN, email: nope}]",
	}
	for name, doc := range cases {
		if _, err := NewConfigLoader().LoadYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestConfigCustomRules(t *testing.T) {
	doc := `
rules:
  - role: VIEWER
    permissions:
      - action: READ
        resource: REPORT
        conditions: {team_member: true}
`
	cfg, err := NewConfigLoader().LoadYAML([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	table, err := cfg.RuleTable()
	if err != nil {
		t.Fatal(err)
	}
	if len(table.PermissionsFor(RoleAdmin)) != 0 {
		t.Fatal("custom table replaces the default one")
	}
	p, ok := table.Match(RoleViewer, ActionRead, ResourceReport)
	if !ok || !p.Conditions.TeamMember {
		t.Fatalf("unexpected match %s %v", p, ok)
	}
}

func TestLoadFileAndExport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rbac.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewConfigLoader().LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out, err := cfg.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	jsonPath := filepath.Join(dir, "rbac.json")
	if err := os.WriteFile(jsonPath, out, 0o600); err != nil {
		t.Fatal(err)
	}
	again, err := NewConfigLoader().LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("reload exported json: %v", err)
	}
	if again.Routes[0].RateLimit.Duration != time.Minute || again.Routes[0].Name != "delete-project" {
		t.Fatalf("json export lost data: %+v", again.Routes[0])
	}
	y, err := cfg.ToYAML()
	if err != nil || !strings.Contains(string(y), "delete-project") {
		t.Fatalf("yaml export: %v", err)
	}
	if _, err := NewConfigLoader().LoadFile(filepath.Join(dir, "rbac.toml")); err == nil {
		t.Fatal("unsupported extension must fail")
	}
}

func TestBuildCache(t *testing.T) {
	cfg := &Config{}
	c, err := cfg.BuildCache(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*MemoryCache); !ok {
		t.Fatalf("expected memory cache, got %T", c)
	}
	cfg.Engine.CacheBackend = "ristretto"
	c, err = cfg.BuildCache(nil)
	if err != nil {
		t.Fatal(err)
	}
	rc, ok := c.(*RistrettoCache)
	if !ok {
		t.Fatalf("expected ristretto cache, got %T", c)
	}
	rc.Close()
}
