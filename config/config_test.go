package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"claimflow/access"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claimflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Outbox.BatchSize != 100 || cfg.Routing.CacheTTL != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Policy.AllowAdminResnapshot {
		t.Fatal("re-snapshot must be disabled by default")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
http:
  addr: ":9000"
sla:
  time_zone: America/Bogota
routing:
  cache_ttl: 5s
policy:
  allow_admin_resnapshot: true
  roles:
    Quality Reviewer: [approve]
documents:
  backend: s3
  bucket: letters
kafka:
  brokers: [kafka-1:9092]
`)
	t.Setenv("CLAIMFLOW_HTTP_ADDR", ":9100")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("DATABASE_URL", "postgres://localhost/claims")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9100" {
		t.Fatalf("env must win over file, got %q", cfg.HTTP.Addr)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Database.URL != "postgres://localhost/claims" {
		t.Fatalf("unexpected database url %q", cfg.Database.URL)
	}
	if cfg.Routing.CacheTTL != 5*time.Second || !cfg.Policy.AllowAdminResnapshot {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "America/Bogota" {
		t.Fatalf("unexpected location %v, %v", loc, err)
	}

	table, err := cfg.RoleTable()
	if err != nil {
		t.Fatalf("role table: %v", err)
	}
	if !table["quality_reviewer"].Has(access.CapApprove) {
		t.Fatal("configured role missing from table")
	}
	if !table[access.RoleAdministrator].Has(access.CapAdminister) {
		t.Fatal("default roles must survive overrides")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad zone":       "sla:\n  time_zone: Mars/Olympus\n",
		"bad capability": "policy:\n  roles:\n    reviewer: [fly]\n",
		"bad backend":    "documents:\n  backend: ftp\n",
		"s3 no bucket":   "documents:\n  backend: s3\n",
		"bad yaml":       "http: [",
	}
	for name, body := range cases {
		if _, err := Load(writeFile(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
