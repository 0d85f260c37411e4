// Package devcloud is an in-memory implementation of the CVM API used for
// local development and for testing the deployer end to end.
//
// It serves the same routes as the hosted API under /api/v1, authenticated by
// a single x-api-key. Key material is real: every pubkey request issues a fresh
// X25519 key pair, and every encrypted environment submitted for that app is
// decrypted and kept with the CVM record, so a broken client shows up as a 422
// instead of a VM that fails to boot. Validation failures use the hosted API's
// body format:
//
//	{"detail":[{"loc":["body","vcpu"],"msg":"Input should be greater than 0","type":"greater_than"}]}
//
// Nothing is launched. CVMs stay in the "creating" state, or "updating" after
// a compose update.
//
// The server also carries the health endpoints of the other services in this
// repository (/livez, /readyz, /drain, /undrain), and a /stats endpoint with
// request counters. While drained, API calls are answered with 503.
package devcloud
