// Package onionhandler unwraps end-to-end encrypted ("onion") requests,
// serves the inner request through the node's own router and returns the
// reply encrypted for the same client.
//
// Two framings are served:
//   - v3 (/loki/v3/lsrpc, /oxen/v3/lsrpc): the plaintext is a JSON request
//     object; the reply is the base64 of the encrypted response body.
//   - v4 (/oxen/v4/lsrpc): the plaintext is a bencoded list of a JSON request
//     object and an optional raw body; the reply is a bencoded list of a JSON
//     status object and the response body, encrypted but not base64 encoded.
//
// Anything that fails before the request is decrypted gets the same opaque
// 400 reply.
package onionhandler
