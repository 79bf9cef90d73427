// Package credential seals site credentials at rest and resolves the opaque
// credentialsRef handles that requests carry.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"regexp"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/db"
)

const refPrefix = "cred_"

var refPattern = regexp.MustCompile(`^cred_[A-Za-z0-9_-]{8,64}$`)

// ValidRef reports whether ref is a well-formed credentials handle.
func ValidRef(ref string) bool {
	return refPattern.MatchString(ref)
}

// Credentials are the plaintext sign-in secrets. They print redacted.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (Credentials) String() string   { return "credential.Credentials{redacted}" }
func (Credentials) GoString() string { return "credential.Credentials{redacted}" }

// Vault stores credentials sealed with XChaCha20-Poly1305 under a key derived
// from the master key. The ref is bound as associated data.
type Vault struct {
	store db.Store
	key   []byte
}

func NewVault(store db.Store, master []byte) (*Vault, error) {
	if len(master) < 32 {
		return nil, fmt.Errorf("vault master key must be at least 32 bytes")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte("signon credential vault v1")), key); err != nil {
		return nil, err
	}
	return &Vault{store: store, key: key}, nil
}

// Add seals creds and returns a fresh ref.
func (v *Vault) Add(ctx context.Context, site string, creds Credentials) (string, error) {
	if creds.Username == "" || creds.Password == "" {
		return "", apperr.Validation("username and password are required")
	}
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	ref := refPrefix + hex.EncodeToString(raw)

	sealed, err := v.seal(ref, creds)
	if err != nil {
		return "", err
	}
	if err := v.store.PutCredential(ctx, db.CredentialRecord{Ref: ref, Site: site, Sealed: sealed}); err != nil {
		return "", err
	}
	return ref, nil
}

// Resolve opens the credentials behind ref.
func (v *Vault) Resolve(ctx context.Context, ref string) (Credentials, error) {
	if !ValidRef(ref) {
		return Credentials{}, apperr.Validation("malformed credentials reference")
	}
	rec, err := v.store.GetCredential(ctx, ref)
	if err != nil {
		return Credentials{}, err
	}
	return v.open(ref, rec.Sealed)
}

// Exists reports whether ref is stored, without opening it.
func (v *Vault) Exists(ctx context.Context, ref string) bool {
	_, err := v.store.GetCredential(ctx, ref)
	return err == nil
}

func (v *Vault) seal(ref string, creds Credentials) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, err
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, []byte(ref)), nil
}

func (v *Vault) open(ref string, sealed []byte) (Credentials, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return Credentials{}, err
	}
	if len(sealed) < aead.NonceSize() {
		return Credentials{}, fmt.Errorf("sealed credential too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, []byte(ref))
	if err != nil {
		return Credentials{}, fmt.Errorf("open credential: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}
