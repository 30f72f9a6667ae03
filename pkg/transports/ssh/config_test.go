package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// writeTestKey generates an ed25519 key and writes it in PEM form.
func writeTestKey(t *testing.T) string {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")

	if config.Host != "example.com" || config.User != "deploy" {
		t.Errorf("identity = %s@%s", config.User, config.Host)
	}
	if config.Port != 22 {
		t.Errorf("Port = %d, want 22", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("AuthMethod = %s, want key", config.AuthMethod)
	}
	if config.ConnectTimeout != 30*time.Second {
		t.Errorf("ConnectTimeout = %v", config.ConnectTimeout)
	}
	if !config.StrictHostKeyChecking {
		t.Error("strict host key checking should default on")
	}
}

func TestConfig_Validate(t *testing.T) {
	keyPath := writeTestKey(t)

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name: "valid password config",
			modify: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:   "valid key config",
			modify: func(c *Config) { c.PrivateKeyPath = keyPath },
		},
		{
			name:    "missing host",
			modify:  func(c *Config) { c.Host = "" },
			wantErr: "host is required",
		},
		{
			name:    "invalid port",
			modify:  func(c *Config) { c.Port = 0 },
			wantErr: "invalid port",
		},
		{
			name:    "missing user",
			modify:  func(c *Config) { c.User = "" },
			wantErr: "user is required",
		},
		{
			name: "password auth without password",
			modify: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
			},
			wantErr: "password is required",
		},
		{
			name: "key file missing",
			modify: func(c *Config) {
				c.PrivateKeyPath = "/nonexistent/id_rsa"
			},
			wantErr: "private key file not found",
		},
		{
			name: "unknown auth method",
			modify: func(c *Config) {
				c.AuthMethod = "kerberos"
			},
			wantErr: "unsupported auth method",
		},
		{
			name: "zero connect timeout",
			modify: func(c *Config) {
				c.PrivateKeyPath = keyPath
				c.ConnectTimeout = 0
			},
			wantErr: "connect timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "deploy")
			tt.modify(config)

			err := config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_BuildClientConfig_KeyAuth(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")
	config.PrivateKeyPath = writeTestKey(t)
	config.StrictHostKeyChecking = false

	clientConfig, err := config.BuildClientConfig()
	if err != nil {
		t.Fatalf("BuildClientConfig: %v", err)
	}
	if clientConfig.User != "deploy" {
		t.Errorf("User = %s", clientConfig.User)
	}
	if len(clientConfig.Auth) != 1 {
		t.Errorf("Auth methods = %d, want 1", len(clientConfig.Auth))
	}
	if clientConfig.Timeout != config.ConnectTimeout {
		t.Errorf("Timeout = %v", clientConfig.Timeout)
	}
}

func TestConfig_BuildClientConfig_PasswordAuth(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"
	config.StrictHostKeyChecking = false

	clientConfig, err := config.BuildClientConfig()
	if err != nil {
		t.Fatalf("BuildClientConfig: %v", err)
	}
	// Password plus keyboard-interactive.
	if len(clientConfig.Auth) != 2 {
		t.Errorf("Auth methods = %d, want 2", len(clientConfig.Auth))
	}
}

func TestConfig_BuildClientConfig_BadKnownHosts(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")
	config.PrivateKeyPath = writeTestKey(t)
	config.KnownHostsPath = "/nonexistent/known_hosts"

	if _, err := config.BuildClientConfig(); err == nil {
		t.Error("BuildClientConfig accepted a missing known_hosts with strict checking on")
	}
}

func TestConfig_Address(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")
	config.Port = 2222
	if got := config.Address(); got != "example.com:2222" {
		t.Errorf("Address = %s", got)
	}
}

func TestNewClient_RejectsInvalidConfig(t *testing.T) {
	_, err := NewClient(&Config{}, zerolog.Nop())
	if err == nil {
		t.Error("NewClient accepted an empty config")
	}
}

func TestClient_OpsRequireConnection(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"

	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client.Connected() {
		t.Error("fresh client reports connected")
	}

	ctx := context.Background()
	if _, err := client.Stat(ctx, "/etc/motd"); err == nil {
		t.Error("Stat succeeded without a connection")
	}
	if err := client.WriteFile(ctx, "/tmp/x", []byte("x"), 0o644); err == nil {
		t.Error("WriteFile succeeded without a connection")
	}
	if _, err := client.Checksum(ctx, "/tmp/x"); err == nil {
		t.Error("Checksum succeeded without a connection")
	}
}
