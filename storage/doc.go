// Package storage loads payloads that are embedded into a deployment, such as
// a character definition carried base64 encoded in an encrypted environment
// variable, or a docker compose file kept outside the working tree.
//
// # Locations
//
// Payloads are referenced by location strings:
//
//   - ./characters/c3po.character.json or file:///etc/agent/character.json
//   - s3://bucket-name/agents/character.json?region=us-west-2
//   - ipfs://127.0.0.1:5001/QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG
//   - vault://vault.example.com:8200/secret/agents/eliza?field=character
//   - github://owner/repo/characters/c3po.character.json?ref=main
//   - https://example.com/character.json
//
// Locations joined by "|" are tried in order and the first readable one wins:
//
//	s3://bucket/character.json|./character.json
//
// # Errors
//
// Every failure to resolve or read a location surfaces as *IOError carrying
// the location. Missing payloads additionally match ErrPayloadNotFound.
//
// # Encoding
//
// LoadBase64 returns the standard base64 encoding (with padding) of the full
// payload, with no line breaks.
package storage
