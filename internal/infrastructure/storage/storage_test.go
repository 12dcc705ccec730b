package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/forgeflow/backend/pkg/utils/crypto"
)

func TestLocalPutGetDelete(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	loc, err := l.Put(ctx, "p1", "v1/requirements.yaml", []byte("features: []\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if loc != "local:p1/v1/requirements.yaml" {
		t.Fatalf("location = %q", loc)
	}

	got, err := l.Get(ctx, loc)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "features: []\n" {
		t.Fatalf("content = %q", got)
	}

	if err := l.Delete(ctx, loc); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := l.Get(ctx, loc); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete err = %v, want ErrNotFound", err)
	}
	if err := l.Delete(ctx, loc); err != nil {
		t.Fatalf("second Delete should be a no-op, got %v", err)
	}
}

func TestLocalRejectsEscapes(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	loc, err := l.Put(ctx, "p1", "../../etc/passwd", []byte("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if loc != "local:p1/etc/passwd" {
		t.Fatalf("name was not confined to the project: %q", loc)
	}

	cases := []struct {
		name     string
		location string
	}{
		{"wrong scheme", "sftp:p1/etc/passwd"},
		{"dot dot", "local:p1/../p2/file"},
		{"no name", "local:p1"},
		{"parent project", "local:../file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := l.Get(ctx, tc.location); !errors.Is(err, ErrInvalidLocation) {
				t.Fatalf("Get(%q) err = %v, want ErrInvalidLocation", tc.location, err)
			}
		})
	}

	if _, err := l.Put(ctx, "a/b", "f", nil); !errors.Is(err, ErrInvalidLocation) {
		t.Fatalf("project id with slash err = %v", err)
	}
}

func TestNewSFTPOpensSealedCredentials(t *testing.T) {
	const key = "0123456789abcdef0123456789abcdef"
	sealed, err := crypto.SealSecret("hunter2", key, SettingSFTPPassword)
	if err != nil {
		t.Fatalf("SealSecret: %v", err)
	}

	s, err := NewSFTP(SFTPConfig{Host: "files.internal", User: "forge", Password: sealed, EncryptionKey: key})
	if err != nil {
		t.Fatalf("NewSFTP: %v", err)
	}
	if s.config.Password != "hunter2" {
		t.Fatalf("password was not opened")
	}
	if s.config.Port != 22 || s.config.BaseDir != "artifacts" {
		t.Fatalf("defaults not applied: %+v", s.config)
	}

	plain, err := NewSFTP(SFTPConfig{Host: "files.internal", User: "forge", Password: "plain"})
	if err != nil || plain.config.Password != "plain" {
		t.Fatalf("plaintext password: %v", err)
	}

	tests := []struct {
		name string
		cfg  SFTPConfig
	}{
		{"wrong key", SFTPConfig{Host: "files.internal", Password: sealed, EncryptionKey: "other"}},
		{"missing key", SFTPConfig{Host: "files.internal", Password: sealed}},
		{"sealed for another setting", SFTPConfig{Host: "files.internal", PrivateKey: sealed, EncryptionKey: key}},
		{"no credentials", SFTPConfig{Host: "files.internal"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSFTP(tt.cfg); !errors.Is(err, ErrSSHAuthentication) {
				t.Fatalf("err = %v, want ErrSSHAuthentication", err)
			}
		})
	}
}
