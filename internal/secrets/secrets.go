// Package secrets resolves secret references such as "env://NAME",
// "file:///run/secrets/key" or "vault://secret/data/tether#screenshot_key"
// into secret material. Config files carry references, never the secrets.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSecretNotFound is returned when a reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// ErrUnsupportedScheme is returned for references no provider handles.
var ErrUnsupportedScheme = errors.New("unsupported secret reference scheme")

// Secret holds resolved material. Never log or serialize Value.
type Secret struct {
	Value    string
	Metadata map[string]string // Backend-specific, e.g. source, path.
}

// String keeps the value out of fmt and slog output.
func (s *Secret) String() string { return "[secret]" }

// Provider resolves references of one scheme.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Scheme is the reference prefix handled, without "://" (e.g. "env").
	Scheme() string
	// Resolve returns the secret for ref. Returns ErrSecretNotFound if the
	// reference cannot be resolved.
	Resolve(ctx context.Context, ref string) (*Secret, error)
}

// IsReference reports whether s looks like a secret reference.
func IsReference(s string) bool {
	scheme, _, ok := strings.Cut(s, "://")
	return ok && scheme != "" && !strings.ContainsAny(scheme, " /")
}

// Resolver routes references to the provider registered for their scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a resolver. Later providers replace earlier ones with
// the same scheme.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Scheme()] = p
		}
	}
	return r
}

// Resolve resolves ref through the provider for its scheme.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Secret, error) {
	scheme, _, ok := strings.Cut(ref, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a reference", ErrUnsupportedScheme, ref)
	}
	p, found := r.providers[scheme]
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return p.Resolve(ctx, ref)
}

// Value resolves ref and returns the raw value.
func (r *Resolver) Value(ctx context.Context, ref string) (string, error) {
	s, err := r.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	return s.Value, nil
}

func trimScheme(ref, scheme string) (string, error) {
	prefix := scheme + "://"
	if !strings.HasPrefix(ref, prefix) {
		return "", fmt.Errorf("%w: %s provider only handles %s references, got %q",
			ErrSecretNotFound, scheme, prefix, ref)
	}
	rest := strings.TrimPrefix(ref, prefix)
	if rest == "" {
		return "", fmt.Errorf("%w: empty %s reference", ErrSecretNotFound, scheme)
	}
	return rest, nil
}
