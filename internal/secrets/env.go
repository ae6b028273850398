package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves "env://VARIABLE_NAME" references.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an environment variable provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{lookup: os.LookupEnv} }

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	name, err := trimScheme(ref, p.Scheme())
	if err != nil {
		return nil, err
	}
	value, _ := p.lookup(name)
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("%w: environment variable %q is not set or empty", ErrSecretNotFound, name)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "env", "variable": name},
	}, nil
}

// FileProvider resolves "file:///path" references, e.g. container secrets
// mounted under /run/secrets. Trailing newlines are trimmed.
type FileProvider struct {
	maxBytes int64
}

// NewFileProvider creates a file provider.
func NewFileProvider() *FileProvider { return &FileProvider{maxBytes: 64 << 10} }

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	path, err := trimScheme(ref, p.Scheme())
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretNotFound, err)
	}
	if !info.Mode().IsRegular() || info.Size() > p.maxBytes {
		return nil, fmt.Errorf("%w: %s is not a regular file under %d bytes", ErrSecretNotFound, path, p.maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrSecretNotFound, path)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "file", "path": path},
	}, nil
}
