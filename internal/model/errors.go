package model

import "errors"

var (
	// ErrInvalidParameter rejects an indicator or aggregator construction.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrInsufficientData means a value or signal depends on data not yet computed.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrOutOfRange is returned for candle indices outside the store.
	ErrOutOfRange = errors.New("index out of range")
	// ErrFetchFailure wraps market-data failures and empty batches.
	ErrFetchFailure = errors.New("fetch failure")
	// ErrConfiguration is fatal: unknown interval or malformed config.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound is returned by stores when a key holds nothing.
	ErrNotFound = errors.New("not found")
)
