package secrets

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// Blob layout: magic | salt | nonce | ciphertext | tag.
var magic = []byte("AKS1")

const (
	saltSize  = 16
	nonceSize = 12
	tagSize   = 16
	keySize   = 32

	defaultScryptN = 1 << 15
	scryptR        = 8
	scryptP        = 1

	headerSize = 4 + saltSize + nonceSize
)

func deriveKey(passphrase string, salt []byte, n int) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, n, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// seal encrypts plain under a key derived from passphrase and a fresh salt.
func seal(passphrase string, plain []byte, n int) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	key, err := deriveKey(passphrase, salt, n)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, headerSize+len(plain)+tagSize)
	blob = append(blob, magic...)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	// GCM appends the tag after the ciphertext.
	return aead.Seal(blob, nonce, plain, nil), nil
}

// open reverses seal. Any modification of the blob fails.
func open(passphrase string, blob []byte, n int) ([]byte, error) {
	if len(blob) < headerSize+tagSize || !bytes.Equal(blob[:4], magic) {
		return nil, ErrCorrupt
	}

	salt := blob[4 : 4+saltSize]
	nonce := blob[4+saltSize : headerSize]

	key, err := deriveKey(passphrase, salt, n)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plain, err := aead.Open(nil, nonce, blob[headerSize:], nil)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return plain, nil
}
