// Package filehandler serves the file upload and download API, the legacy
// base64 variants of it, and the Session client version lookup.
//
// Every route accepts optional request signatures (see package auth). The
// same routes are reachable directly and through the onion gateway.
package filehandler
