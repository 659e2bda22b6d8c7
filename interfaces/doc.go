// Package interfaces defines the storage contract of the file server,
// separating it from the backend implementations in package storage.
//
// # Storage Interfaces
//
// FileBackend: A store of file records (PostgreSQL or SQLite table, local
// directory, S3 bucket). All work happens inside Session, which scopes one
// connection for backends that have them.
//
// FileSession: Insert, upsert, lookup and expiry of records on one backend.
//
// StorageBackendFactory: Creates backends from location URIs and the role
// (primary, replica, backup) they serve in.
//
// # Errors
//
// Backends report conditions with the sentinels ErrNotFound, ErrDuplicate and
// ErrReadOnly; the file store adds ErrInvalidSize and ErrCapacityExhausted.
// Callers match them with errors.Is.
package interfaces
