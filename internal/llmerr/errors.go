// Package llmerr defines the error taxonomy shared by the LLM access layer.
//
// Callers wrap these sentinels with fmt.Errorf("%w: ...") and test for them
// with errors.Is.
package llmerr

import "errors"

var (
	// ErrConfig reports missing or invalid configuration. Never retried.
	ErrConfig = errors.New("llm: configuration error")

	// ErrAuth reports a rejected token exchange or provider call.
	ErrAuth = errors.New("llm: authentication error")

	// ErrProvider reports a provider construction or call failure, including
	// retry exhaustion.
	ErrProvider = errors.New("llm: provider error")

	// ErrEmbeddingUnavailable reports that every embedding backend failed.
	ErrEmbeddingUnavailable = errors.New("llm: embedding unavailable")
)
