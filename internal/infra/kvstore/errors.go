package kvstore

import "errors"

// Use errors.Is to decide whether to degrade or fail a request.
var (
	ErrStoreUnavailable        = errors.New("key-value store unavailable")
	ErrStoreFailure            = errors.New("key-value store command failed")
	ErrFailedToParseConnString = errors.New("failed to parse redis connection string")
	ErrRedisNotReady           = errors.New("redis did not become ready within the allowed attempts")
	ErrEmptyConnectionURL      = errors.New("empty redis connection URL")
	ErrHealthcheckFailed       = errors.New("redis healthcheck failed")
)
