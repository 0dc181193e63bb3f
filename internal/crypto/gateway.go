package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
	"golang.org/x/crypto/twofish"

	"github.com/adap-ai/adap/internal/errs"
	"github.com/adap-ai/adap/pkg/types"
)

// KeySize is the length of both gateway keys.
const KeySize = 32

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
)

var (
	ErrDigestMismatch = errs.New(errs.ErrIntegrity, "sealed payload digest mismatch")
	ErrMalformedToken = errs.New(errs.ErrIntegrity, "malformed sealed payload")
	ErrAuthFailed     = errs.New(errs.ErrIntegrity, "sealed payload authentication failed")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crypto: CBOR encoder initialization failed: " + err.Error())
	}

	// Integers decode to int64 whatever their sign, so unsealed values
	// compare equal to int64 inputs.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("crypto: CBOR decoder initialization failed: " + err.Error())
	}
}

// Gateway seals structured data under two independent ciphers: AES-256-GCM
// inside Twofish-CFB, with a SHA3-512 digest over the outer ciphertext.
//
// Keys live only in memory. Use GatewayKeys to persist them through the
// secret store.
type Gateway struct {
	inner cipher.AEAD
	outer cipher.Block
}

// NewGateway creates a Gateway from an AES key and a Twofish key.
func NewGateway(aesKey, twofishKey []byte) (*Gateway, error) {
	if len(aesKey) != KeySize || len(twofishKey) != KeySize {
		return nil, errs.New(errs.ErrConfiguration, fmt.Sprintf("gateway keys must be %d bytes", KeySize))
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create inner cipher: %w", err)
	}
	inner, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create inner cipher: %w", err)
	}

	outer, err := twofish.NewCipher(twofishKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create outer cipher: %w", err)
	}

	return &Gateway{inner: inner, outer: outer}, nil
}

// NewRandomGateway creates a Gateway with fresh random keys.
func NewRandomGateway() (*Gateway, error) {
	aesKey, err := randomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	twofishKey, err := randomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	return NewGateway(aesKey, twofishKey)
}

// Seal serializes v and returns an opaque base64 token.
func (g *Gateway) Seal(v any) (string, error) {
	plain, err := encMode.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize payload: %w", err)
	}

	nonce, err := randomBytes(gcmNonceSize)
	if err != nil {
		return "", err
	}
	sealed := g.inner.Seal(nil, nonce, plain, nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	// inner layout: nonce | tag | ciphertext
	innerBytes := make([]byte, 0, len(sealed)+gcmNonceSize)
	innerBytes = append(innerBytes, nonce...)
	innerBytes = append(innerBytes, tag...)
	innerBytes = append(innerBytes, ct...)

	iv, err := randomBytes(twofish.BlockSize)
	if err != nil {
		return "", err
	}
	outerBytes := make([]byte, len(innerBytes))
	cipher.NewCFBEncrypter(g.outer, iv).XORKeyStream(outerBytes, innerBytes)

	pkg, err := json.Marshal(types.SealedPayload{
		IV:   base64.StdEncoding.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(outerBytes),
		Hash: digest(outerBytes),
	})
	if err != nil {
		return "", fmt.Errorf("failed to package payload: %w", err)
	}

	return base64.StdEncoding.EncodeToString(pkg), nil
}

// Unseal verifies and decrypts token into v. The digest is checked before
// any decryption; every failure is an integrity error.
func (g *Gateway) Unseal(token string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	var pkg types.SealedPayload
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	iv, err := base64.StdEncoding.DecodeString(pkg.IV)
	if err != nil || len(iv) != twofish.BlockSize {
		return fmt.Errorf("%w: bad iv", ErrMalformedToken)
	}
	outerBytes, err := base64.StdEncoding.DecodeString(pkg.Data)
	if err != nil {
		return fmt.Errorf("%w: bad data", ErrMalformedToken)
	}

	if subtle.ConstantTimeCompare([]byte(digest(outerBytes)), []byte(pkg.Hash)) != 1 {
		return ErrDigestMismatch
	}

	if len(outerBytes) < gcmNonceSize+gcmTagSize {
		return fmt.Errorf("%w: short data", ErrMalformedToken)
	}
	innerBytes := make([]byte, len(outerBytes))
	cipher.NewCFBDecrypter(g.outer, iv).XORKeyStream(innerBytes, outerBytes)

	nonce := innerBytes[:gcmNonceSize]
	tag := innerBytes[gcmNonceSize : gcmNonceSize+gcmTagSize]
	ct := innerBytes[gcmNonceSize+gcmTagSize:]

	sealed := make([]byte, 0, len(ct)+gcmTagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := g.inner.Open(nil, nonce, sealed, nil)
	if err != nil {
		return ErrAuthFailed
	}

	if err := decMode.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("failed to deserialize payload: %w", err)
	}
	return nil
}

// UnsealValue unseals token into a generic value. Maps decode as
// map[string]any and every integer as int64.
func (g *Gateway) UnsealValue(token string) (any, error) {
	var v any
	if err := g.Unseal(token, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func digest(b []byte) string {
	sum := sha3.Sum512(b)
	return hex.EncodeToString(sum[:])
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}
