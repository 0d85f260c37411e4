// Package cryptoutils implements the hybrid encryption used to hand secret
// environment variables to a CVM.
//
// The scheme combines an ephemeral X25519 key agreement with AES-256-GCM:
//
//   - The variables are serialized as {"env":[{"key":K,"value":V},...]}
//   - A fresh X25519 scalar is drawn for every encryption
//   - The shared secret with the CVM's public key is used directly as the
//     AES-256 key, without a KDF, to stay compatible with the CVM side
//   - A fresh 12-byte nonce is drawn for every encryption
//   - No additional authenticated data is bound
//
// # Encryption Format
//
//	[ephemeral public key (32 bytes)][nonce (12 bytes)][ciphertext][tag (16 bytes)]
//
// The blob is transmitted hex encoded.
//
// # Randomness
//
// EnvEncryptor reads both the ephemeral scalar and the nonce from its Rand
// field. Production code leaves it nil (crypto/rand); tests may inject a
// deterministic reader to obtain reproducible vectors.
//
// # Usage Example
//
//	pubkey, err := api.GetPubkey(ctx, vmConfig)
//	if err != nil {
//	    return err
//	}
//
//	encryptedEnv, err := cryptoutils.NewEnvEncryptor(nil).EncryptEnvVars(envs, pubkey.AppEnvEncryptPubkey)
//	if err != nil {
//	    return err
//	}
//
// DecryptEnvVars is the inverse operation, used by the local development cloud
// and by tests.
package cryptoutils
