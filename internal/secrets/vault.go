package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// VaultConfig configures the Vault KV v2 provider. VAULT_ADDR, VAULT_TOKEN
// and VAULT_NAMESPACE override the file values.
type VaultConfig struct {
	Address       string `json:"address" yaml:"address"`
	Token         string `json:"token,omitempty" yaml:"token,omitempty"`
	Namespace     string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutS      int    `json:"timeout_s,omitempty" yaml:"timeout_s,omitempty"` // Default: 5.
	TLSSkipVerify bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`
}

// Enabled reports whether any Vault address is configured.
func (c VaultConfig) Enabled() bool {
	return c.Address != "" || os.Getenv("VAULT_ADDR") != ""
}

// VaultProvider resolves "vault://<kv-v2 api path>#<field>" references,
// e.g. "vault://secret/data/tether#screenshot_key". The field is required:
// every secret tether consumes is a single string.
type VaultProvider struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVaultProvider creates a Vault provider with token authentication.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	address := envOr("VAULT_ADDR", cfg.Address)
	if address == "" {
		return nil, fmt.Errorf("vault address is required (vault.address or VAULT_ADDR)")
	}
	token := envOr("VAULT_TOKEN", cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("vault token is required (vault.token or VAULT_TOKEN)")
	}

	timeout := 5 * time.Second
	if cfg.TimeoutS > 0 {
		timeout = time.Duration(cfg.TimeoutS) * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VaultProvider{
		address:   strings.TrimRight(address, "/"),
		token:     token,
		namespace: envOr("VAULT_NAMESPACE", cfg.Namespace),
		client:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (p *VaultProvider) Scheme() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	raw, err := trimScheme(ref, p.Scheme())
	if err != nil {
		return nil, err
	}
	path, field, _ := strings.Cut(raw, "#")
	if path == "" || field == "" {
		return nil, fmt.Errorf("%w: vault reference needs a path and a #field, got %q", ErrSecretNotFound, ref)
	}

	data, err := p.read(ctx, path)
	if err != nil {
		return nil, err
	}
	val, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("%w: field %q not found in vault path %q", ErrSecretNotFound, field, path)
	}
	str, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("vault field %q in path %q is not a string", field, path)
	}
	return &Secret{
		Value:    str,
		Metadata: map[string]string{"source": "vault", "path": path, "field": field},
	}, nil
}

// read fetches the data map of a KV v2 secret.
func (p *VaultProvider) read(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.address+"/v1/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrSecretNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault access denied for path %q", path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	// KV v2 envelope: {"data": {"data": {...}, "metadata": {...}}}
	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("parsing vault response: %w", err)
	}
	if envelope.Data.Data == nil {
		return nil, fmt.Errorf("%w: vault path %q returned no data", ErrSecretNotFound, path)
	}
	return envelope.Data.Data, nil
}
