// Package secrets resolves credentials from plain config values, sealed
// config values or the OS keyring, and keeps them out of logs.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/artpar/shipit/internal/core/crypto"
	"github.com/zalando/go-keyring"
)

// =============================================================================
// Secret
// =============================================================================

const redacted = "[REDACTED]"

// Secret is a credential value. Every rendering except Reveal is redacted.
type Secret string

// Reveal returns the raw value. Call it only where the value leaves the
// process (an auth header, an SSH handshake).
func (s Secret) Reveal() string { return string(s) }

// IsZero reports whether the secret is empty.
func (s Secret) IsZero() bool { return s == "" }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v from printing the value.
func (s Secret) GoString() string { return s.String() }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// MarshalText keeps the value out of YAML and JSON output.
func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// =============================================================================
// Keyring
// =============================================================================

// Keyring is the subset of the OS keyring the resolver uses.
type Keyring interface {
	Get(service, user string) (string, error)
	Set(service, user, password string) error
}

// OSKeyring reads and writes the platform keychain.
type OSKeyring struct{}

func (OSKeyring) Get(service, user string) (string, error) { return keyring.Get(service, user) }

func (OSKeyring) Set(service, user, password string) error {
	return keyring.Set(service, user, password)
}

// =============================================================================
// Resolver
// =============================================================================

// Sources a Spec can name.
const (
	SourceConfig  = "config"
	SourceKeyring = "keyring"
)

// DefaultKeyringService is the keyring service name used when a Spec leaves it empty.
const DefaultKeyringService = "shipit"

var (
	ErrNoEncryptionKey = errors.New("sealed value requires secrets.encryption_key")
	ErrNotFound        = errors.New("secret not found")
	ErrUnknownSource   = errors.New("unknown secret source")
)

// Spec says where one secret comes from.
type Spec struct {
	Name   string // Config key, used in errors
	Plain  string
	Sealed string // Base64 AES-GCM, takes precedence over Plain

	Source         string // "config" (default) or "keyring"
	KeyringService string
	KeyringUser    string
}

// Resolver turns Specs into Secrets.
type Resolver struct {
	key     []byte
	keyring Keyring
}

// NewResolver creates a resolver. An empty encryptionKey is allowed until a
// sealed value has to be opened. A nil kr uses the OS keyring.
func NewResolver(encryptionKey string, kr Keyring) (*Resolver, error) {
	r := &Resolver{keyring: kr}
	if r.keyring == nil {
		r.keyring = OSKeyring{}
	}
	if encryptionKey != "" {
		key, err := crypto.DeriveKey(encryptionKey)
		if err != nil {
			return nil, err
		}
		r.key = key
	}
	return r, nil
}

// Resolve returns the secret named by spec. An entirely empty config spec
// yields an empty Secret.
func (r *Resolver) Resolve(spec Spec) (Secret, error) {
	switch spec.Source {
	case "", SourceConfig:
		if spec.Sealed == "" {
			return Secret(spec.Plain), nil
		}
		if r.key == nil {
			return "", fmt.Errorf("%s: %w", spec.Name, ErrNoEncryptionKey)
		}
		plain, err := crypto.Open(spec.Sealed, r.key)
		if err != nil {
			return "", fmt.Errorf("%s: %w", spec.Name, err)
		}
		return Secret(plain), nil

	case SourceKeyring:
		service := spec.KeyringService
		if service == "" {
			service = DefaultKeyringService
		}
		value, err := r.keyring.Get(service, spec.KeyringUser)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return "", fmt.Errorf("%s: %w in keyring (service %q, user %q)", spec.Name, ErrNotFound, service, spec.KeyringUser)
			}
			return "", fmt.Errorf("%s: keyring: %w", spec.Name, err)
		}
		return Secret(value), nil

	default:
		return "", fmt.Errorf("%s: %w %q", spec.Name, ErrUnknownSource, spec.Source)
	}
}

// Seal encrypts plaintext with the resolver's key for use in a *_sealed
// config value.
func (r *Resolver) Seal(plaintext string) (string, error) {
	if r.key == nil {
		return "", ErrNoEncryptionKey
	}
	return crypto.Seal([]byte(plaintext), r.key)
}

// Store writes value to the keyring under service/user.
func (r *Resolver) Store(service, user string, value Secret) error {
	if service == "" {
		service = DefaultKeyringService
	}
	if err := r.keyring.Set(service, user, value.Reveal()); err != nil {
		return fmt.Errorf("keyring: %w", err)
	}
	return nil
}
