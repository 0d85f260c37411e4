// Package kms provides key management for app environment encryption.
//
// # SimpleKMS
//
// A basic implementation that derives keys deterministically from a master key.
// Suitable for development and testing, it ensures consistent key generation
// across service restarts.
//
// Every app gets an X25519 env encryption key derived from the master key and
// its app id:
//
//	privkey = sha256(masterKey || appID || "env")
//
// The public half is handed out signed by the KMS signer, a secp256k1 key
// derived from the same master key, so clients can check which KMS issued it
// before encrypting secrets to it. The signed message is
//
//	keccak256("dstack-env-encrypt-pubkey" || ":" || appID || pubkey)
//
// and RecoverEnvPubkeySigner returns the Ethereum address of the signer.
package kms
