package cache

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidTTL is returned when a negative lifetime is requested.
	ErrInvalidTTL = errors.New("cache: expiration time (TTL) cannot be negative")
	// ErrNotCallable is returned by Remember when no closure is given.
	ErrNotCallable = errors.New("cache: closure is not callable")
	// ErrUnsupportedOperation is returned when a store lacks a capability,
	// such as flushing or tagging.
	ErrUnsupportedOperation = errors.New("cache: unsupported operation")
	// ErrUnknownStore is returned by the Manager for unconfigured stores.
	ErrUnknownStore = errors.New("cache: unknown store")
	// ErrInvalidConfig is returned when a configuration fails validation.
	ErrInvalidConfig = errors.New("cache: invalid config")
)

func unsupported(format string, args ...any) error {
	return errors.Wrapf(ErrUnsupportedOperation, format, args...)
}

func invalidConfig(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}
