// Package provider defines the closed set of error kinds shared by every
// provider adapter (STT, translation, TTS).
//
// Adapters wrap backend failures into exactly one of these sentinels with
// fmt.Errorf("...: %w", ...) so that pipelines can classify failures with
// errors.Is and convert them into state transitions. Transient kinds are
// retried inside the retry budget; permanent kinds fail the pipeline and are
// never retried with the same parameters.
package provider

import "errors"

// Error kinds. Adapters must wrap every backend failure in exactly one.
var (
	// ErrProviderUnavailable covers network failures, 5xx responses, and
	// closed upstream connections.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrRateLimited covers 429-style throttling responses.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrAuthFailure covers rejected credentials. Never retried.
	ErrAuthFailure = errors.New("provider authentication failed")

	// ErrLanguageUnsupported is returned when the requested language is not
	// supported by the backend or the adapter's locale table. Never retried.
	ErrLanguageUnsupported = errors.New("language not supported")

	// ErrVoiceUnavailable is returned when the requested voice id does not
	// resolve at the backend. Never retried.
	ErrVoiceUnavailable = errors.New("voice unavailable")

	// ErrInvalidInput is returned for requests the backend rejects as
	// malformed (empty text, oversized payloads). Never retried.
	ErrInvalidInput = errors.New("invalid provider input")

	// ErrClosed is returned by operations on a session or adapter that has
	// been closed. It is a lifecycle signal, neither transient nor permanent.
	ErrClosed = errors.New("provider closed")
)

// Transient reports whether err is a retryable provider failure.
func Transient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrRateLimited)
}

// Permanent reports whether err is a provider failure that must not be
// retried with identical parameters.
func Permanent(err error) bool {
	return errors.Is(err, ErrAuthFailure) ||
		errors.Is(err, ErrLanguageUnsupported) ||
		errors.Is(err, ErrVoiceUnavailable) ||
		errors.Is(err, ErrInvalidInput)
}
