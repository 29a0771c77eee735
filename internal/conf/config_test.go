package conf

import (
	"os"
	"path/filepath"
	"testing"
)

// loadFromDir writes content as raven.yaml in a fresh directory and runs
// LoadConfig from there.
func loadFromDir(t *testing.T, content string) (*Config, error) {
	t.Helper()
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "raven.yaml"), []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(originalDir) })
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	return LoadConfig()
}

func TestLoadConfigBasicFields(t *testing.T) {
	cfg, err := loadFromDir(t, "domain: test.example.com\nauth_server_url: https://auth.test.example.com\n")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Domain != "test.example.com" {
		t.Errorf("Domain = %q", cfg.Domain)
	}
	if cfg.AuthServerURL != "https://auth.test.example.com" {
		t.Errorf("AuthServerURL = %q", cfg.AuthServerURL)
	}
}

func TestLoadConfigSeedsIMAPDefaults(t *testing.T) {
	// No imap: section at all — the seeded defaults must survive.
	cfg, err := loadFromDir(t, "domain: example.com\n")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.IMAP.StartTLSEnabled {
		t.Error("StartTLSEnabled should default to true")
	}
	if cfg.IMAP.BadCommandLimit != 5 {
		t.Errorf("BadCommandLimit = %d, want 5", cfg.IMAP.BadCommandLimit)
	}
	if cfg.IMAP.AuthFailureLimit != 3 {
		t.Errorf("AuthFailureLimit = %d, want 3", cfg.IMAP.AuthFailureLimit)
	}
	if cfg.IMAP.Hostname != "raven" {
		t.Errorf("Hostname = %q, want raven", cfg.IMAP.Hostname)
	}
	if cfg.IMAP.DisableIdle {
		t.Error("DisableIdle should default to false")
	}
}

func TestLoadConfigIMAPOverrides(t *testing.T) {
	cfg, err := loadFromDir(t, `domain: example.com
imap:
  listen_addr: ":1143"
  tls_listen_addr: ":1993"
  hostname: mail.example.com
  starttls_enabled: false
  reject_insecure_auth: true
  max_append_len: 10485760
  bad_command_limit: 10
  auth_failure_limit: 2
  disable_idle: true
  bearer_jwt_secret: sekrit
`)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	imap := cfg.IMAP
	if imap.ListenAddr != ":1143" || imap.TLSListenAddr != ":1993" {
		t.Errorf("listeners = %q / %q", imap.ListenAddr, imap.TLSListenAddr)
	}
	if imap.Hostname != "mail.example.com" {
		t.Errorf("Hostname = %q", imap.Hostname)
	}
	if imap.StartTLSEnabled {
		t.Error("StartTLSEnabled override not applied")
	}
	if !imap.RejectInsecureAuth {
		t.Error("RejectInsecureAuth override not applied")
	}
	if imap.MaxAppendLen != 10485760 {
		t.Errorf("MaxAppendLen = %d", imap.MaxAppendLen)
	}
	if imap.BadCommandLimit != 10 || imap.AuthFailureLimit != 2 {
		t.Errorf("limits = %d / %d", imap.BadCommandLimit, imap.AuthFailureLimit)
	}
	if !imap.DisableIdle {
		t.Error("DisableIdle override not applied")
	}
	if imap.BearerJWTSecret != "sekrit" {
		t.Errorf("BearerJWTSecret = %q", imap.BearerJWTSecret)
	}
}

func TestLoadConfigBlobStorageSection(t *testing.T) {
	cfg, err := loadFromDir(t, `domain: example.com
blob_storage:
  driver: local
  local:
    dir: /var/lib/raven/blobs
`)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BlobStorage.Driver != "local" {
		t.Errorf("BlobStorage.Driver = %q", cfg.BlobStorage.Driver)
	}
	if cfg.BlobStorage.Local.Dir != "/var/lib/raven/blobs" {
		t.Errorf("BlobStorage.Local.Dir = %q", cfg.BlobStorage.Local.Dir)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	tmpDir := t.TempDir()
	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(originalDir) })
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	if _, err := LoadConfig(); err == nil {
		t.Error("expected error when no config file exists")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	if _, err := loadFromDir(t, "domain: [unclosed\n  bracket\n"); err == nil {
		t.Error("expected error for invalid YAML")
	}
}
