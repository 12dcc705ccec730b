package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forgeflow/backend/internal/infrastructure/storage"
	"github.com/forgeflow/backend/pkg/utils/crypto"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })
}

func TestEncryptSecretSealsForSetting(t *testing.T) {
	writeConfig(t, "security:\n  encryption_key: test-key\n")

	var out bytes.Buffer
	cmd := encryptSecretCmd()
	cmd.SetIn(strings.NewReader("hunter2\n"))
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--setting", storage.SettingSFTPPrivateKey})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("encrypt-secret: %v", err)
	}

	sealed := strings.TrimSpace(out.String())
	if !crypto.IsSealed(sealed) {
		t.Fatalf("output = %q", sealed)
	}
	got, err := crypto.OpenSecret(sealed, "test-key", storage.SettingSFTPPrivateKey)
	if err != nil || got != "hunter2" {
		t.Fatalf("OpenSecret = %q, %v", got, err)
	}
}

func TestEncryptSecretRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		config string
		stdin  string
		args   []string
		want   string
	}{
		{"unknown setting", "security:\n  encryption_key: k\n", "x", []string{"--setting", "auth.jwt_secret"}, "--setting must be one of"},
		{"no key", "logger:\n  level: info\n", "x", nil, "encryption_key is not set"},
		{"empty stdin", "security:\n  encryption_key: k\n", "\n", nil, "no secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, tt.config)
			cmd := encryptSecretCmd()
			cmd.SetIn(strings.NewReader(tt.stdin))
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			args := tt.args
			if args == nil {
				// cobra falls back to os.Args for a nil slice
				args = []string{}
			}
			cmd.SetArgs(args)
			err := cmd.Execute()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}
