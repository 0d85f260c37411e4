// Package interfaces defines the core types and interfaces shared by the CVM
// deployer components, separating the wire contract of the cloud API from
// its implementations.
//
// # Interfaces
//
//   - CVMAPI: the cloud API surface used by the deployment flows
//   - PayloadSource: a readable location holding a deployment payload
//     (character files, compose manifests)
//
// # Wire Types
//
//   - VMConfig: compute shape, compose manifest and feature flags of a CVM
//   - EnvVars: ordered key/value pairs that are encrypted before transmission
//   - EnvEncryptPubkey: per-deployment encryption key material from the server
//   - CreateVMRequest: VMConfig flattened together with the encrypted env
//   - CVM: the VM record returned by the server, with its raw body
//
// # Identifiers
//
//   - AppID: 20-byte application identifier, hex encoded with optional 0x prefix
package interfaces
