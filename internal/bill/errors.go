package bill

import "errors"

var (
	// ErrInvalidInput marks malformed or disallowed request parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks a storage object that does not exist
	ErrNotFound = errors.New("not found")

	// ErrUpstreamUnavailable marks a failed storage or registry call
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrExtractionFailed marks a failed inference call
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrConnectionGone is returned by a Transport when the recipient no longer exists
	ErrConnectionGone = errors.New("connection gone")

	// ErrConditionFailed is returned by Registry.PutIf when the stored
	// record does not meet the precondition
	ErrConditionFailed = errors.New("condition failed")

	// ErrUnauthorized marks a request without a valid bearer token
	ErrUnauthorized = errors.New("unauthorized")

	// ErrBadSignature is returned for upload URLs that are forged or expired
	ErrBadSignature = errors.New("upload signature invalid or expired")
)
