package cryptoutils

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ruteri/cvm-deployer/interfaces"
	"golang.org/x/crypto/curve25519"
)

const (
	// X25519KeySize is the size of X25519 public keys, private scalars and shared secrets.
	X25519KeySize = curve25519.PointSize

	// NonceSize is the AES-GCM nonce size used on the wire.
	NonceSize = 12

	// TagSize is the AES-GCM authentication tag size.
	TagSize = 16
)

var (
	// ErrInvalidKey is returned when a remote public key is malformed.
	ErrInvalidKey = errors.New("invalid public key")

	// ErrEncryption is returned on randomness or cipher failures.
	ErrEncryption = errors.New("encryption failed")

	// ErrDecryption is returned when a blob cannot be opened.
	ErrDecryption = errors.New("decryption failed")
)

// envPayload is the plaintext shape the CVM expects: {"env":[{"key":..,"value":..}]}.
type envPayload struct {
	Env interfaces.EnvVars `json:"env"`
}

// EnvEncryptor encrypts environment variables to a CVM's public key.
//
// Every call draws a fresh ephemeral X25519 scalar and a fresh nonce from Rand.
// Rand must be a cryptographically secure source in production; a nil Rand
// uses crypto/rand.
type EnvEncryptor struct {
	Rand io.Reader
}

// NewEnvEncryptor returns an encryptor reading randomness from r, or from
// crypto/rand when r is nil.
func NewEnvEncryptor(r io.Reader) *EnvEncryptor {
	return &EnvEncryptor{Rand: r}
}

func (e *EnvEncryptor) random() io.Reader {
	if e == nil || e.Rand == nil {
		return rand.Reader
	}
	return e.Rand
}

// EncryptEnvVars serializes envs and encrypts them to the hex-encoded X25519
// public key remotePubkeyHex (an optional 0x prefix is accepted).
//
// The result is hex(ephemeral public key || nonce || ciphertext || tag).
// The raw X25519 shared secret is the AES-256-GCM key; the CVM side derives
// the same key without a KDF, so none may be applied here.
func (e *EnvEncryptor) EncryptEnvVars(envs interfaces.EnvVars, remotePubkeyHex string) (string, error) {
	remotePubkey, err := ParseX25519PublicKeyHex(remotePubkeyHex)
	if err != nil {
		return "", err
	}

	plaintext, err := MarshalEnvPayload(envs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	sealed, err := e.Seal(remotePubkey, plaintext)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(sealed), nil
}

// Seal encrypts plaintext to remotePubkey using an ephemeral X25519 key agreement
// and AES-256-GCM with no additional data.
//
// Format: [ephemeral public key (32 bytes)][nonce (12 bytes)][ciphertext][tag (16 bytes)]
func (e *EnvEncryptor) Seal(remotePubkey []byte, plaintext []byte) ([]byte, error) {
	if len(remotePubkey) != X25519KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, X25519KeySize, len(remotePubkey))
	}

	r := e.random()

	ephemeralPrivkey := make([]byte, X25519KeySize)
	defer clear(ephemeralPrivkey)
	if _, err := io.ReadFull(r, ephemeralPrivkey); err != nil {
		return nil, fmt.Errorf("%w: failed to generate ephemeral key: %v", ErrEncryption, err)
	}

	ephemeralPubkey, err := curve25519.X25519(ephemeralPrivkey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to derive ephemeral public key: %v", ErrEncryption, err)
	}

	sharedSecret, err := curve25519.X25519(ephemeralPrivkey, remotePubkey)
	if err != nil {
		// X25519 rejects low order points, which would yield an all-zero secret
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	defer clear(sharedSecret)

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrEncryption, err)
	}

	aesGCM, err := newGCM(sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	result := make([]byte, 0, X25519KeySize+NonceSize+len(plaintext)+TagSize)
	result = append(result, ephemeralPubkey...)
	result = append(result, nonce...)
	return aesGCM.Seal(result, nonce, plaintext, nil), nil
}

// DecryptEnvVars opens a blob produced by EncryptEnvVars with the private key
// matching the public key it was encrypted to, and parses the env payload.
func DecryptEnvVars(privateKey []byte, blobHex string) (interfaces.EnvVars, error) {
	blob, err := hex.DecodeString(strings.TrimPrefix(blobHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex: %v", ErrDecryption, err)
	}

	plaintext, err := Open(privateKey, blob)
	if err != nil {
		return nil, err
	}

	var payload envPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid env payload: %v", ErrDecryption, err)
	}
	return payload.Env, nil
}

// Open is the inverse of Seal.
func Open(privateKey []byte, blob []byte) ([]byte, error) {
	if len(privateKey) != X25519KeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrDecryption, X25519KeySize)
	}
	if len(blob) < X25519KeySize+NonceSize+TagSize {
		return nil, fmt.Errorf("%w: encrypted data too short", ErrDecryption)
	}

	ephemeralPubkey := blob[:X25519KeySize]
	nonce := blob[X25519KeySize : X25519KeySize+NonceSize]
	ciphertext := blob[X25519KeySize+NonceSize:]

	sharedSecret, err := curve25519.X25519(privateKey, ephemeralPubkey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	defer clear(sharedSecret)

	aesGCM, err := newGCM(sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

// MarshalEnvPayload returns the exact plaintext EncryptEnvVars encrypts.
func MarshalEnvPayload(envs interfaces.EnvVars) ([]byte, error) {
	if envs == nil {
		envs = interfaces.EnvVars{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(envPayload{Env: envs}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ParseX25519PublicKeyHex decodes a hex X25519 public key, accepting an optional 0x prefix.
func ParseX25519PublicKeyHex(pubkeyHex string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(pubkeyHex), "0x")
	if len(clean) != 2*X25519KeySize {
		return nil, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidKey, 2*X25519KeySize, len(clean))
	}

	pubkey, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex format: %v", ErrInvalidKey, err)
	}
	return pubkey, nil
}

// GenerateX25519KeyPair draws a private scalar from r (crypto/rand when nil)
// and returns it with its public key.
func GenerateX25519KeyPair(r io.Reader) (privateKey []byte, publicKey []byte, err error) {
	if r == nil {
		r = rand.Reader
	}

	privateKey = make([]byte, X25519KeySize)
	if _, err := io.ReadFull(r, privateKey); err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return privateKey, publicKey, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
