// Package signature verifies that a template set was signed with a trusted
// Minisign key before the renderer loads it.
package signature

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
)

const (
	// ManifestName lists "<sha256>  <file>" for every template, in the
	// format written by sha256sum.
	ManifestName = "MANIFEST"
	// SignatureName is the detached minisign signature of the manifest.
	SignatureName = ManifestName + ".minisig"
)

// ErrMismatch reports a template set whose files do not match its signed
// manifest.
var ErrMismatch = errors.New("template set does not match manifest")

// Verifier verifies artifacts signed with Minisign using a trusted public key.
type Verifier struct {
	publicKey minisign.PublicKey
}

// NewVerifier parses the provided Minisign public key (including comment
// header).
func NewVerifier(pubKey string) (*Verifier, error) {
	pubKey = strings.TrimSpace(pubKey)
	if pubKey == "" {
		return nil, errors.New("minisign public key is required")
	}
	publicKey, err := minisign.DecodePublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("parse minisign public key: %w", err)
	}
	return &Verifier{publicKey: publicKey}, nil
}

// LoadVerifier reads a public key file as written by `minisign -G`.
func LoadVerifier(keyPath string) (*Verifier, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key %q: %w", keyPath, err)
	}
	return NewVerifier(string(data))
}

// Verify checks a detached signature over data.
func (v *Verifier) Verify(ctx context.Context, data, signature []byte) error {
	if v == nil {
		return errors.New("signature verifier not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sig, err := minisign.DecodeSignature(string(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	ok, err := v.publicKey.Verify(data, sig)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("signature verification failed")
	}
	return nil
}

// VerifySet validates the manifest signature of a template set and then
// checks every *.tmpl file in the set against it. Templates missing from the
// manifest, and manifest entries without a file, are both rejected. The
// returned map holds the verified content by file name; callers must use it
// rather than reading the set again.
func (v *Verifier) VerifySet(ctx context.Context, fsys fs.FS) (map[string][]byte, error) {
	manifest, err := fs.ReadFile(fsys, ManifestName)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	signature, err := fs.ReadFile(fsys, SignatureName)
	if err != nil {
		return nil, fmt.Errorf("read manifest signature: %w", err)
	}
	if err := v.Verify(ctx, manifest, signature); err != nil {
		return nil, fmt.Errorf("verify manifest: %w", err)
	}

	want, err := parseManifest(manifest)
	if err != nil {
		return nil, err
	}
	names, err := fs.Glob(fsys, "*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	sort.Strings(names)

	verified := make(map[string][]byte, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sum, ok := want[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not listed", ErrMismatch, name)
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}
		digest := sha256.Sum256(data)
		if hex.EncodeToString(digest[:]) != sum {
			return nil, fmt.Errorf("%w: %s digest differs", ErrMismatch, name)
		}
		verified[name] = data
		delete(want, name)
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for name := range want {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: missing %s", ErrMismatch, strings.Join(missing, ", "))
	}
	return verified, nil
}

func parseManifest(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		sum, name, ok := strings.Cut(text, " ")
		if !ok {
			return nil, fmt.Errorf("manifest line %d: expected \"<sha256>  <file>\"", line)
		}
		// sha256sum marks binary mode with a leading '*'
		name = strings.TrimPrefix(strings.TrimSpace(name), "*")
		if len(sum) != sha256.Size*2 || name == "" || path.Base(name) != name {
			return nil, fmt.Errorf("manifest line %d: malformed entry", line)
		}
		out[name] = strings.ToLower(sum)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return out, nil
}
