// Package storage keeps artifact content outside the state store. A
// location is "<scheme>:<project>/<name>" so records stay portable between
// backends of the same scheme.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/forgeflow/backend/internal/core/ports"
)

var (
	ErrInvalidLocation = errors.New("storage: invalid location")
	ErrNotFound        = errors.New("storage: not found")
)

const SchemeLocal = "local"

// relPath validates and joins project and name into a slash path that
// cannot escape the backend root.
func relPath(projectID, name string) (string, error) {
	if projectID == "" || strings.ContainsAny(projectID, `/\`) || projectID == "." || projectID == ".." {
		return "", fmt.Errorf("%w: bad project id %q", ErrInvalidLocation, projectID)
	}
	clean := path.Clean("/" + strings.ReplaceAll(name, `\`, "/"))
	if clean == "/" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidLocation)
	}
	return projectID + clean, nil
}

func parseLocation(scheme, location string) (string, error) {
	rest, ok := strings.CutPrefix(location, scheme+":")
	if !ok {
		return "", fmt.Errorf("%w: %q is not a %s location", ErrInvalidLocation, location, scheme)
	}
	project, name, ok := strings.Cut(rest, "/")
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	rel, err := relPath(project, name)
	if err != nil {
		return "", err
	}
	if rel != rest {
		return "", fmt.Errorf("%w: %q is not canonical", ErrInvalidLocation, location)
	}
	return rel, nil
}

// Local stores artifacts under a directory on the local filesystem.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) (*Local, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("storage: base dir is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create base dir: %w", err)
	}
	return &Local{baseDir: baseDir}, nil
}

var _ ports.ArtifactStorage = (*Local)(nil)

func (l *Local) Put(ctx context.Context, projectID, name string, content []byte) (string, error) {
	rel, err := relPath(projectID, name)
	if err != nil {
		return "", err
	}
	full := filepath.Join(l.baseDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("storage: mkdir: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("storage: write: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("storage: rename: %w", err)
	}
	return SchemeLocal + ":" + rel, nil
}

func (l *Local) Get(ctx context.Context, location string) ([]byte, error) {
	rel, err := parseLocation(SchemeLocal, location)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(l.baseDir, filepath.FromSlash(rel)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

func (l *Local) Delete(ctx context.Context, location string) error {
	rel, err := parseLocation(SchemeLocal, location)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(l.baseDir, filepath.FromSlash(rel)))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
