package bperms

import "errors"

var (
	// ErrUnknownKind is returned for a storage kind the factory cannot build.
	ErrUnknownKind = errors.New("bperms: unknown storage kind")

	// ErrFactoryClosed is returned by every factory call after Shutdown.
	ErrFactoryClosed = errors.New("bperms: factory shut down")

	// ErrNoFileOpener is returned when a file world is requested without
	// WithFileOpener.
	ErrNoFileOpener = errors.New("bperms: no file opener configured")

	// ErrNotShared is returned by Factory.Backend for kinds opened per world.
	ErrNotShared = errors.New("bperms: storage kind has no shared backend")
)
