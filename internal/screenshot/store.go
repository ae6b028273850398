package screenshot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for output paths outside what the store may write.
var ErrUnsafePath = errors.New("unsafe output path")

var unixSystemDirs = []string{"/etc", "/sys", "/proc", "/dev", "/boot"}

var windowsSystemDirs = []string{`c:\windows`, `c:\program files`, `c:\program files (x86)`, `c:\programdata`}

// ValidateOutputPath rejects traversal, home expansion and system
// directories. Checked before any write.
func ValidateOutputPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	if strings.Contains(p, "..") {
		return fmt.Errorf("%w: path traversal in %q", ErrUnsafePath, p)
	}
	if strings.HasPrefix(p, "~") {
		return fmt.Errorf("%w: home expansion in %q", ErrUnsafePath, p)
	}

	lower := strings.ToLower(p)
	unix := filepath.ToSlash(filepath.Clean(lower))
	for _, dir := range unixSystemDirs {
		if unix == dir || strings.HasPrefix(unix, dir+"/") {
			return fmt.Errorf("%w: system directory %s", ErrUnsafePath, dir)
		}
	}
	win := strings.ReplaceAll(lower, "/", `\`)
	for _, dir := range windowsSystemDirs {
		if win == dir || strings.HasPrefix(win, dir+`\`) {
			return fmt.Errorf("%w: system directory %s", ErrUnsafePath, dir)
		}
	}
	return nil
}

// Format is how a screenshot was persisted.
type Format string

const (
	FormatEncrypted Format = "encrypted" // <name>.enc.json
	FormatBase64    Format = "base64"    // <name>.b64, encryption failed at call time
	FormatPlain     Format = "plain"     // <name>.png, encryption disabled by profile
)

// Saved describes a written screenshot.
type Saved struct {
	Path   string `json:"path"`
	Format Format `json:"format"`
	Size   int    `json:"size"`
}

// Store writes screenshots into one directory. A nil Encryptor means
// encryption is disabled and images are written as-is.
type Store struct {
	dir    string
	enc    *Encryptor
	logger *slog.Logger
}

// NewStore creates a store rooted at dir. The directory is created 0700.
func NewStore(dir string, enc *Encryptor, logger *slog.Logger) (*Store, error) {
	if err := ValidateOutputPath(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating screenshot dir: %w", err)
	}
	return &Store{dir: dir, enc: enc, logger: logger}, nil
}

// Encrypted reports whether the store encrypts what it writes.
func (s *Store) Encrypted() bool { return s.enc != nil }

// Save persists one image under name. With encryption on it writes an
// envelope; if sealing fails it falls back to base64 and logs a warning.
func (s *Store) Save(ctx context.Context, name string, image []byte) (*Saved, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrUnsafePath, name)
	}

	if s.enc == nil {
		return s.write(filepath.Join(s.dir, name+".png"), image, FormatPlain)
	}

	env, err := s.enc.Encrypt(image)
	if err != nil {
		s.logger.WarnContext(ctx, "screenshot encryption failed, writing base64",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		encoded := base64.StdEncoding.EncodeToString(image)
		return s.write(filepath.Join(s.dir, name+".b64"), []byte(encoded), FormatBase64)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return s.write(filepath.Join(s.dir, name+".enc.json"), data, FormatEncrypted)
}

func (s *Store) write(path string, data []byte, format Format) (*Saved, error) {
	if err := ValidateOutputPath(path); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing screenshot: %w", err)
	}
	return &Saved{Path: path, Format: format, Size: len(data)}, nil
}

// Load reads a file written by Save and returns the image bytes.
func (s *Store) Load(path string) ([]byte, error) {
	if err := ValidateOutputPath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading screenshot: %w", err)
	}
	switch {
	case strings.HasSuffix(path, ".enc.json"):
		if s.enc == nil {
			return nil, fmt.Errorf("%w: no encryption secret configured", ErrDecrypt)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return s.enc.Decrypt(&env)
	case strings.HasSuffix(path, ".b64"):
		return base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	default:
		return data, nil
	}
}
