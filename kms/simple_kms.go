package kms

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/cvm-deployer/cryptoutils"
	"github.com/ruteri/cvm-deployer/interfaces"
	"golang.org/x/crypto/curve25519"
)

const envPubkeyDomain = "dstack-env-encrypt-pubkey"

// ErrInvalidSignature is returned when an env pubkey signature cannot be recovered.
var ErrInvalidSignature = errors.New("invalid env pubkey signature")

// SimpleKMS provides a deterministic key management implementation.
// It derives keys from a master key, suitable for development and testing.
type SimpleKMS struct {
	masterKey []byte
	signer    *ecdsa.PrivateKey
}

// NewSimpleKMS creates a new instance with the provided master key.
// The master key must be at least 32 bytes long.
func NewSimpleKMS(masterKey []byte) (*SimpleKMS, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("master key must be at least 32 bytes")
	}

	signer, err := crypto.ToECDSA(deriveSeed(masterKey, nil, "signer"))
	if err != nil {
		return nil, fmt.Errorf("failed to derive signer key: %w", err)
	}

	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &SimpleKMS{masterKey: key, signer: signer}, nil
}

// SignerAddress is the address env pubkey signatures recover to.
func (k *SimpleKMS) SignerAddress() common.Address {
	return crypto.PubkeyToAddress(k.signer.PublicKey)
}

// AppEnvKey returns the X25519 env encryption key pair of an app.
func (k *SimpleKMS) AppEnvKey(appID interfaces.AppID) (privateKey []byte, publicKey []byte, err error) {
	privateKey = deriveSeed(k.masterKey, appID[:], "env")
	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return privateKey, publicKey, nil
}

// AppEnvPubkey returns the hex env pubkey of an app with the KMS signature over it.
func (k *SimpleKMS) AppEnvPubkey(appID interfaces.AppID) (*interfaces.AppEnvPubkey, error) {
	_, publicKey, err := k.AppEnvKey(appID)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(EnvPubkeySigningHash(appID, publicKey), k.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to sign env pubkey: %w", err)
	}

	return &interfaces.AppEnvPubkey{
		PublicKey: hex.EncodeToString(publicKey),
		Signature: hex.EncodeToString(signature),
	}, nil
}

// EnvPubkeySigningHash is the digest the KMS signs for an app env pubkey.
func EnvPubkeySigningHash(appID interfaces.AppID, publicKey []byte) []byte {
	return crypto.Keccak256([]byte(envPubkeyDomain+":"), appID[:], publicKey)
}

// RecoverEnvPubkeySigner returns the address that signed pubkey for appID.
func RecoverEnvPubkeySigner(appID interfaces.AppID, pubkey interfaces.AppEnvPubkey) (common.Address, error) {
	publicKey, err := cryptoutils.ParseX25519PublicKeyHex(pubkey.PublicKey)
	if err != nil {
		return common.Address{}, err
	}

	signature, err := hex.DecodeString(strings.TrimPrefix(pubkey.Signature, "0x"))
	if err != nil || len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes", ErrInvalidSignature, crypto.SignatureLength)
	}

	recovered, err := crypto.SigToPub(EnvPubkeySigningHash(appID, publicKey), signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*recovered), nil
}

func deriveSeed(masterKey, id []byte, purpose string) []byte {
	h := sha256.New()
	h.Write(masterKey)
	h.Write(id)
	h.Write([]byte(purpose))
	return h.Sum(nil)
}
