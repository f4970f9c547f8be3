// Package store holds the infrastructure sentinels shared by contact store and
// lock implementations. Stores return these, optionally wrapped, so the
// resolver and handlers can classify failures without importing drivers.
package store

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("unavailable")
	ErrLockTimeout = errors.New("lock wait timed out")
)
