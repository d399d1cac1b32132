package config

import "testing"

func TestInitializeAppliesDefaults(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if DBPath() != "vstore.db" {
		t.Fatalf("DBPath = %q, want vstore.db", DBPath())
	}
	pc := PragmaConfig()
	if err := pc.Validate(); err != nil {
		t.Fatalf("PragmaConfig invalid: %v", err)
	}
	if !AuditEnabled() {
		t.Fatalf("AuditEnabled = false, want true by default")
	}
	if AuditPath() != "vstore.db.audit.db" {
		t.Fatalf("AuditPath = %q", AuditPath())
	}
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("VSTORE_DB_PATH", "/tmp/override.db")
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if DBPath() != "/tmp/override.db" {
		t.Fatalf("DBPath = %q, want env override", DBPath())
	}
}
