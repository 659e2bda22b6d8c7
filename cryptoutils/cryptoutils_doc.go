// Package cryptoutils implements the node's onion-layer cryptography.
//
// The node holds a long-term X25519 key (KeyStore). A client wraps a request
// by generating an ephemeral X25519 key pair, deriving a symmetric key from
// the shared secret and encrypting the inner request with one of two AEADs:
//
//   - aes-gcm (alias gcm): key = X25519(a, B); 12-byte IV prefix, 16-byte tag suffix
//   - xchacha20 (alias xchacha20-poly1305): key = BLAKE2b-256(X25519(a, B) || A || B);
//     24-byte nonce prefix
//
// where A is the ephemeral public key and B the node's public key.
//
// # Wire Format
//
//	[ciphertext length (uint32 LE)][ciphertext][metadata JSON]
//
// The metadata carries the hex ephemeral key in "ephemeral_key" and the cipher
// in "enc_type" (aes-gcm when absent). Replies are encrypted with the same
// session and a fresh nonce.
package cryptoutils
