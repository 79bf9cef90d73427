package credential

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	zkr "github.com/zalando/go-keyring"
)

const (
	serviceName = "signon"
	accountName = "master-encryption-key"
)

// Key sources accepted by LoadMasterKey.
const (
	SourceKeyring = "keyring"
	SourceEnv     = "env"
)

// keyringGet retrieves the master key from the OS keychain.
func keyringGet() ([]byte, error) {
	hexKey, err := zkr.Get(serviceName, accountName)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(hexKey)
}

// keyringSet stores the master key in the OS keychain.
func keyringSet(key []byte) error {
	return zkr.Set(serviceName, accountName, hex.EncodeToString(key))
}

// KeyringAvailable probes the keychain with a write/read/delete cycle.
// SIGNON_KEYRING_DISABLED=1 opts out for headless hosts.
func KeyringAvailable() bool {
	if os.Getenv("SIGNON_KEYRING_DISABLED") == "1" {
		return false
	}
	const probeService, probeAccount = "signon-keyring-probe", "probe"
	if err := zkr.Set(probeService, probeAccount, "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(probeService, probeAccount)
	return true
}

// LoadMasterKey returns the vault master key. With the keyring source a key
// is generated and stored on first use; the env source reads a hex key from
// envVar. The keyring source falls back to envVar when no keychain exists.
func LoadMasterKey(source, envVar string) ([]byte, error) {
	switch source {
	case SourceEnv:
		return keyFromEnv(envVar)
	case SourceKeyring, "":
		if !KeyringAvailable() {
			return keyFromEnv(envVar)
		}
		key, err := keyringGet()
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, zkr.ErrNotFound) {
			return nil, fmt.Errorf("keychain get: %w", err)
		}
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		if err := keyringSet(key); err != nil {
			return nil, fmt.Errorf("keychain set: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unknown vault key source %q", source)
	}
}

func keyFromEnv(envVar string) ([]byte, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, fmt.Errorf("vault master key: %s is not set", envVar)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("vault master key: %s must be hex encoded: %w", envVar, err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("vault master key: %s must be at least 32 bytes", envVar)
	}
	return key, nil
}
