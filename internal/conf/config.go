package conf

import (
	"gopkg.in/yaml.v2"
	"os"
	"path/filepath"
	"raven/internal/blobstorage"
)

type Config struct {
	Domain        string             `yaml:"domain"`
	AuthServerURL string             `yaml:"auth_server_url"`
	BlobStorage   blobstorage.Config `yaml:"blob_storage"`
	IMAP          IMAPConfig         `yaml:"imap"`
}

// IMAPConfig carries the connection-state-machine options: what to
// advertise, what to require, and the limits that bound a single
// connection's behavior.
type IMAPConfig struct {
	ListenAddr         string `yaml:"listen_addr"`          // plaintext/STARTTLS listener, e.g. ":143"
	TLSListenAddr      string `yaml:"tls_listen_addr"`      // implicit-TLS listener, e.g. ":993"
	Hostname           string `yaml:"hostname"`              // reported in the greeting text
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	StartTLSEnabled    bool   `yaml:"starttls_enabled"`
	RejectInsecureAuth bool   `yaml:"reject_insecure_auth"` // disallow plaintext LOGIN before TLS
	MaxAppendLen       int64  `yaml:"max_append_len"`        // 0 means unlimited
	BadCommandLimit    int    `yaml:"bad_command_limit"`
	AuthFailureLimit   int    `yaml:"auth_failure_limit"`
	DisableIdle        bool   `yaml:"disable_idle"`
	BearerJWTSecret    string `yaml:"bearer_jwt_secret"`
}

// defaultIMAPConfig holds the values a freshly started server advertises
// with no imap: section in raven.yaml at all.
// LoadConfig seeds the struct with these before unmarshaling so yaml.v2 —
// which leaves absent keys at their current value, not the zero value —
// only overrides what the operator actually set.
func defaultIMAPConfig() IMAPConfig {
	return IMAPConfig{
		Hostname:         "raven",
		StartTLSEnabled:  true,
		BadCommandLimit:  5,
		AuthFailureLimit: 3,
	}
}

func LoadConfig() (*Config, error) {
	cfg := Config{IMAP: defaultIMAPConfig()}

	// Try multiple possible paths
	configPaths := []string{
		"/etc/raven/raven.yaml",
		"./config/raven.yaml",
		"./raven.yaml",
		"config/raven.yaml",
	}

	var data []byte
	var err error
	for _, path := range configPaths {
		data, err = os.ReadFile(filepath.Clean(path))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
