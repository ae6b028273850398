package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func kvV2Response(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": 1},
		},
	})
	return b
}

// clearVaultEnv prevents host environment from interfering with tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("TETHER_TEST_KEY", "from-env")
	t.Setenv("TETHER_TEST_BLANK", "  ")
	p := NewEnvProvider()
	ctx := context.Background()

	s, err := p.Resolve(ctx, "env://TETHER_TEST_KEY")
	if err != nil || s.Value != "from-env" {
		t.Fatalf("Resolve = %v, %v", s, err)
	}
	for _, ref := range []string{"env://TETHER_TEST_MISSING", "env://TETHER_TEST_BLANK", "env://", "vault://x#y"} {
		if _, err := p.Resolve(ctx, ref); !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("%s: err = %v", ref, err)
		}
	}
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := NewFileProvider()
	s, err := p.Resolve(context.Background(), "file://"+path)
	if err != nil || s.Value != "from-file" {
		t.Fatalf("Resolve = %v, %v", s, err)
	}
	if _, err := p.Resolve(context.Background(), "file://"+dir); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("directory: err = %v", err)
	}
	if _, err := p.Resolve(context.Background(), "file://"+filepath.Join(dir, "nope")); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing: err = %v", err)
	}
}

func TestResolver(t *testing.T) {
	t.Setenv("TETHER_TEST_KEY", "v")
	r := NewResolver(NewEnvProvider(), NewFileProvider())
	ctx := context.Background()

	if v, err := r.Value(ctx, "env://TETHER_TEST_KEY"); err != nil || v != "v" {
		t.Errorf("Value = %q, %v", v, err)
	}
	if _, err := r.Resolve(ctx, "vault://secret/data/x#y"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("unregistered scheme: err = %v", err)
	}
	if _, err := r.Resolve(ctx, "plain-value"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("literal: err = %v", err)
	}
}

func TestIsReference(t *testing.T) {
	tests := map[string]bool{
		"env://X":             true,
		"vault://a/b#c":       true,
		"file:///run/secrets": true,
		"plain":               false,
		"://x":                false,
		"has space://x":       false,
	}
	for in, want := range tests {
		if got := IsReference(in); got != want {
			t.Errorf("IsReference(%q) = %v", in, got)
		}
	}
}

func TestSecret_String(t *testing.T) {
	s := &Secret{Value: "hunter2"}
	if got := fmt.Sprint(s); got != "[secret]" {
		t.Errorf("Secret printed as %q", got)
	}
}

func TestVaultProvider(t *testing.T) {
	clearVaultEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/v1/secret/data/tether" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Namespace") != "ops" {
			t.Errorf("namespace header = %q", r.Header.Get("X-Vault-Namespace"))
		}
		w.Write(kvV2Response(map[string]any{"screenshot_key": "k3y", "port": 5432}))
	}))
	t.Cleanup(srv.Close)

	vp, err := NewVaultProvider(VaultConfig{Address: srv.URL + "/", Token: "test-token", Namespace: "ops"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	s, err := vp.Resolve(ctx, "vault://secret/data/tether#screenshot_key")
	if err != nil || s.Value != "k3y" || s.Metadata["field"] != "screenshot_key" {
		t.Fatalf("Resolve = %+v, %v", s, err)
	}

	tests := []struct {
		ref      string
		notFound bool
	}{
		{"vault://secret/data/tether", true},
		{"vault://secret/data/tether#missing", true},
		{"vault://secret/data/other#k", true},
		{"vault://secret/data/tether#port", false},
	}
	for _, tt := range tests {
		_, err := vp.Resolve(ctx, tt.ref)
		if err == nil {
			t.Errorf("%s: expected error", tt.ref)
			continue
		}
		if errors.Is(err, ErrSecretNotFound) != tt.notFound {
			t.Errorf("%s: err = %v", tt.ref, err)
		}
	}

	bad, _ := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "wrong"})
	if _, err := bad.Resolve(ctx, "vault://secret/data/tether#screenshot_key"); err == nil || errors.Is(err, ErrSecretNotFound) {
		t.Errorf("forbidden: err = %v", err)
	}
}

func TestNewVaultProvider_RequiresAddressAndToken(t *testing.T) {
	clearVaultEnv(t)
	if _, err := NewVaultProvider(VaultConfig{Token: "t"}); err == nil {
		t.Error("missing address accepted")
	}
	if _, err := NewVaultProvider(VaultConfig{Address: "http://vault"}); err == nil {
		t.Error("missing token accepted")
	}
	t.Setenv("VAULT_ADDR", "http://from-env")
	t.Setenv("VAULT_TOKEN", "env-token")
	vp, err := NewVaultProvider(VaultConfig{})
	if err != nil || vp.address != "http://from-env" || vp.token != "env-token" {
		t.Errorf("env override: %+v, %v", vp, err)
	}
}
