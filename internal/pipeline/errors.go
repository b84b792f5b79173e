package pipeline

import (
	"context"
	"errors"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/extract"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/resilience"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/pkg/provider/llm"
)

var (
	// ErrLanguageMismatch is returned before any provider call when the
	// caller names a source language whose script does not occur in the text.
	ErrLanguageMismatch = errors.New("pipeline: language mismatch")

	// ErrInvalidRequest is returned for requests that cannot be processed at
	// all, such as empty text.
	ErrInvalidRequest = errors.New("pipeline: invalid request")
)

// Kind is the transport-neutral name of an error class.
type Kind string

// Error kinds reported by [KindOf].
const (
	KindNone                Kind = ""
	KindInvalidRequest      Kind = "invalid-request"
	KindLanguageMismatch    Kind = "language-mismatch"
	KindMalformedResponse   Kind = "malformed-response"
	KindProviderExhausted   Kind = "provider-exhausted"
	KindProviderOverloaded  Kind = "provider-overloaded"
	KindProviderUnavailable Kind = "provider-unavailable"
	KindProviderError       Kind = "provider-error"
	KindCanceled            Kind = "canceled"
	KindTimeout             Kind = "timeout"
)

// KindOf classifies err. Wrapped errors are matched with errors.Is, most
// specific class first.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrLanguageMismatch):
		return KindLanguageMismatch
	case errors.Is(err, extract.ErrMalformedResponse):
		return KindMalformedResponse
	case errors.Is(err, resilience.ErrProviderExhausted):
		return KindProviderExhausted
	case errors.Is(err, llm.ErrOverloaded):
		return KindProviderOverloaded
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, resilience.ErrCircuitOpen):
		return KindProviderUnavailable
	default:
		return KindProviderError
	}
}
