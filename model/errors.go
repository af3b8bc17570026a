package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ProviderErrorKind classifies provider failures for the engine's retry and
// compression decisions.
type ProviderErrorKind string

const (
	// KindOverloaded covers 529/overloaded responses; retried in-turn.
	KindOverloaded ProviderErrorKind = "overloaded"
	// KindRateLimit covers 429 responses; retried in-turn.
	KindRateLimit ProviderErrorKind = "rate_limit"
	// KindTimeout covers deadline expiry; retried in-turn.
	KindTimeout ProviderErrorKind = "timeout"
	// KindContextLength covers prompt-too-long rejections; triggers a forced
	// compression retry.
	KindContextLength ProviderErrorKind = "context_length"
	// KindOther covers everything else; treated as fatal for the turn.
	KindOther ProviderErrorKind = "other"
)

// ProviderError wraps a provider failure with its classification.
type ProviderError struct {
	Kind ProviderErrorKind
	Err  error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
}

// Unwrap returns the wrapped cause.
func (e *ProviderError) Unwrap() error { return e.Err }

// Classify inspects a provider error and returns its kind. Typed
// ProviderErrors pass through; the rest are classified by message substring,
// which is intentionally loose across providers.
func Classify(err error) ProviderErrorKind {
	if err == nil {
		return KindOther
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "prompt is too long"),
		strings.Contains(msg, "context length"),
		strings.Contains(msg, "context window"),
		strings.Contains(msg, "too many tokens"),
		strings.Contains(msg, "maximum context"):
		return KindContextLength
	case strings.Contains(msg, "overloaded"), strings.Contains(msg, "529"):
		return KindOverloaded
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return KindRateLimit
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline"):
		return KindTimeout
	default:
		return KindOther
	}
}

// Transient reports whether the kind is worth an in-turn retry.
func (k ProviderErrorKind) Transient() bool {
	switch k {
	case KindOverloaded, KindRateLimit, KindTimeout:
		return true
	default:
		return false
	}
}
