// Package auth verifies per-request Ed25519 signatures carried in the
// X-FS-Pubkey, X-FS-Timestamp and X-FS-Signature headers.
//
// The public key is 33 bytes: the 0x07 blinded-key prefix followed by an
// Ed25519 point. The signature covers
//
//	timestamp || METHOD || path [|| "?" || query] [|| BLAKE2b-512(body)]
//
// and the timestamp must be within 24 hours of the server clock. Keys and
// signatures may be hex or base64 encoded.
package auth
