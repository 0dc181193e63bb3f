// Package crypto provides the layered cipher gateway and the age-based
// escrow used to move the secret store between hosts.
package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/adap-ai/adap/internal/errs"
)

// Secret names under which the gateway keys are persisted.
const (
	GatewayAESKeyName     = "ADAP_GATEWAY_AES_KEY"
	GatewayTwofishKeyName = "ADAP_GATEWAY_TWOFISH_KEY"
)

// ErrNoIdentity is returned when an identity file holds no age key.
var ErrNoIdentity = errs.New(errs.ErrConfiguration, "no age identity found")

// KeyManager owns the age X25519 identity used for secret escrow.
type KeyManager struct {
	identityPath string
	identity     *age.X25519Identity
}

// NewKeyManager creates a new KeyManager for the identity file at identityPath.
func NewKeyManager(identityPath string) *KeyManager {
	return &KeyManager{
		identityPath: identityPath,
	}
}

// Initialize loads the identity file, generating it first if absent.
func (km *KeyManager) Initialize() error {
	if _, err := os.Stat(km.identityPath); err == nil {
		return km.Load()
	}
	return km.Generate()
}

// Generate writes a new identity, replacing any existing file.
func (km *KeyManager) Generate() error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(km.identityPath), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(km.identityPath, []byte(FormatIdentity(identity)), 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}

	km.identity = identity
	return nil
}

// Load reads the identity file without creating it.
func (km *KeyManager) Load() error {
	data, err := os.ReadFile(km.identityPath)
	if err != nil {
		return fmt.Errorf("failed to read identity file: %w", err)
	}

	identity, err := ParseIdentity(string(data))
	if err != nil {
		return err
	}
	km.identity = identity
	return nil
}

// Path returns the identity file path.
func (km *KeyManager) Path() string {
	return km.identityPath
}

// Identity returns the loaded identity, or nil before Initialize/Load.
func (km *KeyManager) Identity() *age.X25519Identity {
	return km.identity
}

// PublicKey returns the recipient string for the loaded identity.
func (km *KeyManager) PublicKey() string {
	if km.identity == nil {
		return ""
	}
	return km.identity.Recipient().String()
}

// PublicKeyHint returns a shortened public key for logs.
func (km *KeyManager) PublicKeyHint() string {
	return keyHint(km.PublicKey())
}

// FormatIdentity renders identity in the age key file format.
func FormatIdentity(identity *age.X25519Identity) string {
	return fmt.Sprintf("# created: adap\n# public key: %s\n%s\n",
		identity.Recipient().String(),
		identity.String(),
	)
}

// ParseIdentity parses the first identity line in data, skipping comments.
func ParseIdentity(data string) (*age.X25519Identity, error) {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse identity: %w", err)
		}
		return identity, nil
	}
	return nil, ErrNoIdentity
}

func keyHint(publicKey string) string {
	if len(publicKey) > 12 {
		return publicKey[:12] + "..."
	}
	return publicKey
}

// SecretStore is the subset of the secret store the gateway keys need.
type SecretStore interface {
	Get(name string) (string, bool)
	SetAll(items map[string]string, passphrase string) error
}

// GatewayKeys returns the gateway's AES and Twofish keys from store,
// generating and persisting them on first use. When the store cannot be
// written (no passphrase), fresh keys are returned with persisted false
// and live only for the process lifetime.
func GatewayKeys(store SecretStore, passphrase string) (aesKey, twofishKey []byte, persisted bool, err error) {
	aesKey, okA := decodeKey(store, GatewayAESKeyName)
	twofishKey, okT := decodeKey(store, GatewayTwofishKeyName)
	if okA && okT {
		return aesKey, twofishKey, true, nil
	}

	if aesKey, err = randomBytes(KeySize); err != nil {
		return nil, nil, false, err
	}
	if twofishKey, err = randomBytes(KeySize); err != nil {
		return nil, nil, false, err
	}

	err = store.SetAll(map[string]string{
		GatewayAESKeyName:     hex.EncodeToString(aesKey),
		GatewayTwofishKeyName: hex.EncodeToString(twofishKey),
	}, passphrase)
	if errors.Is(err, errs.ErrConfiguration) {
		return aesKey, twofishKey, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to persist gateway keys: %w", err)
	}
	return aesKey, twofishKey, true, nil
}

// NewGatewayFromStore builds a Gateway whose keys come from GatewayKeys.
func NewGatewayFromStore(store SecretStore, passphrase string) (*Gateway, bool, error) {
	aesKey, twofishKey, persisted, err := GatewayKeys(store, passphrase)
	if err != nil {
		return nil, false, err
	}
	g, err := NewGateway(aesKey, twofishKey)
	if err != nil {
		return nil, false, err
	}
	return g, persisted, nil
}

func decodeKey(store SecretStore, name string) ([]byte, bool) {
	v, ok := store.Get(name)
	if !ok {
		return nil, false
	}
	key, err := hex.DecodeString(v)
	if err != nil || len(key) != KeySize {
		return nil, false
	}
	return key, true
}
