// Package storage assigns ids to uploaded files and keeps them, with an
// expiry, in one or more stores.
//
// # Identifiers
//
// Two id schemes exist and a deployment uses exactly one of them:
//
//   - Legacy numeric ids: random 53-bit integers, optionally with fixed high
//     bits, drawn until the primary store accepts one (at most MaxIDAttempts).
//   - Content ids: the salted 33-byte BLAKE2b digest of the data, base64url
//     encoded. Storing the same bytes again only refreshes the timestamps.
//
// # Stores
//
// A FileStore writes to its primary store and mirrors every successful write
// to the replicas. Reads try the primary, then each backup. Backends are
// created from location URIs:
//
//	postgres://user:pass@db:5432/files?sslmode=disable&table=files
//	sqlite:///var/lib/fileserver/files.db
//	file:///var/lib/fileserver/blobs
//	s3://KEY:SECRET@bucket/prefix?region=eu-west-1&endpoint=minio:9000
//
// Every backend operation runs inside FileBackend.Session. The SQL backend
// checks out a single connection for the whole session and returns it to the
// pool when the callback returns.
//
// # Expiry
//
// Reaper deletes expired files from every store, backups included, and
// periodically exports store sizes.
package storage
