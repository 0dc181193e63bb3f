package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/adap-ai/adap/internal/errs"
	"github.com/adap-ai/adap/pkg/types"
)

// EscrowVersion is the current escrow bundle format version.
const EscrowVersion = 1

// ErrEscrowDecrypt is returned when a bundle cannot be opened with the
// given identity.
var ErrEscrowDecrypt = errs.New(errs.ErrIntegrity, "failed to open escrow bundle")

// SealSecrets encrypts items to every recipient public key.
func SealSecrets(items map[string]string, publicKeys ...string) (*types.EscrowBundle, error) {
	if len(publicKeys) == 0 {
		return nil, errs.New(errs.ErrConfiguration, "no recipients configured")
	}

	recipients := make([]age.Recipient, 0, len(publicKeys))
	for _, pk := range publicKeys {
		r, err := age.ParseX25519Recipient(pk)
		if err != nil {
			return nil, fmt.Errorf("failed to parse recipient %s: %w", pk, err)
		}
		recipients = append(recipients, r)
	}

	plaintext, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal secrets: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close encryptor: %w", err)
	}

	return &types.EscrowBundle{
		Version:    EscrowVersion,
		Recipient:  keyHint(publicKeys[0]),
		Ciphertext: base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// OpenSecrets decrypts a bundle produced by SealSecrets.
func OpenSecrets(bundle *types.EscrowBundle, identity age.Identity) (map[string]string, error) {
	if bundle == nil {
		return nil, fmt.Errorf("%w: bundle is nil", ErrEscrowDecrypt)
	}
	if bundle.Version != EscrowVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrEscrowDecrypt, bundle.Version)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(bundle.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEscrowDecrypt, err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEscrowDecrypt, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEscrowDecrypt, err)
	}

	items := make(map[string]string)
	if err := json.Unmarshal(plaintext, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secrets: %w", err)
	}
	return items, nil
}
