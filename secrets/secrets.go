// Package secrets resolves ${scheme:key} references in configuration
// values against environment variables, mounted files and Vault.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound     = errors.New("secrets: secret not found")
	ErrInvalidKey   = errors.New("secrets: invalid key")
	ErrProviderInit = errors.New("secrets: provider initialization failed")
)

// Provider is a read-only secret backend.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// EnvProvider reads secrets from environment variables. Keys are upper-cased
// with dots replaced by underscores, so "stripe.secret_key" reads
// STRIPE_SECRET_KEY.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an EnvProvider. A non-empty prefix is prepended to
// every lookup ("LINKBILLING_" + "db_url" reads LINKBILLING_DB_URL).
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	name := strings.ToUpper(p.prefix + strings.ReplaceAll(key, ".", "_"))
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: env var %s", ErrNotFound, name)
	}
	return val, nil
}

// FileProvider reads secrets from files in a directory, one secret per file.
// This matches Kubernetes secret volume mounts.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a FileProvider rooted at dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(_ context.Context, key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || filepath.IsAbs(key) {
		return "", ErrInvalidKey
	}
	data, err := os.ReadFile(filepath.Join(p.dir, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("secrets: read %s: %w", key, err)
	}
	return strings.TrimRight(string(data), "\n\r"), nil
}
