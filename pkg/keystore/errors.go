package keystore

import "errors"

var (
	// ErrNoActiveKey means every local key is expired or none was ever
	// generated. Signing must fail closed rather than reuse a stale key.
	ErrNoActiveKey = errors.New("keystore: no active signing key")

	// ErrKeyNotFound means the requested key ID is unknown locally and,
	// for remote keys, the origin server does not advertise it either.
	ErrKeyNotFound = errors.New("key not found")
)
