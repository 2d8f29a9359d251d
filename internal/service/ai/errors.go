package ai

import (
	"context"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies upstream completion failures. The kind decides the retry
// policy inside the client and the message surfaced to the stream consumer.
type Kind int

const (
	KindUnknown Kind = iota
	// KindRateLimited: the provider is shedding load. Retried with
	// exponential backoff up to the attempt budget.
	KindRateLimited
	// KindTimeout: no bytes from the provider within the deadline. One retry.
	KindTimeout
	// KindTransient: connection resets and friends. One retry.
	KindTransient
	// KindFatal: authentication or other unrecoverable provider errors.
	// Never retried.
	KindFatal
	// KindCancelled: the consumer went away. Not an error anyone will see.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// UpstreamError wraps a provider failure with its classification.
type UpstreamError struct {
	Kind Kind
	Err  error
}

func (e *UpstreamError) Error() string {
	return "upstream " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Classify maps an arbitrary provider error onto a Kind. The Ark SDK does not
// expose typed errors for every failure mode, so this falls back to matching
// status codes and well-known phrases in the message.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "ratelimit", "429", "too many requests", "quota"):
		return KindRateLimited
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "api key", "invalid key", "authentication"):
		return KindFatal
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return KindTimeout
	default:
		return KindTransient
	}
}

// Message returns a short consumer-facing description for an error. Raw
// provider messages never cross the SSE boundary.
func Message(err error) string {
	switch Classify(err) {
	case KindRateLimited:
		return "the model provider is rate limiting requests, please try again shortly"
	case KindTimeout:
		return "the model did not respond in time"
	case KindFatal:
		return "the chat backend is misconfigured, please contact the operator"
	case KindCancelled:
		return "the request was cancelled"
	default:
		return "a temporary error occurred while generating the response"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
