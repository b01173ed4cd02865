package climapulse

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jpalmerr/climapulse/internal/poller"
)

// ConfigError reports invalid parameters passed to [NewSource], [NewBoard],
// [Source.Start] or [Source.Override]. It is fatal to the call and never
// retried.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("climapulse: invalid %s: %s", e.Field, e.Msg)
}

func configErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// FetchKind classifies a failed fetch attempt.
type FetchKind int

const (
	KindNetwork FetchKind = iota
	KindTimeout
	KindHTTPStatus
	KindValidation
	KindMalformed
	KindNoData
)

// FetchError describes a failed attempt. These errors never reach
// subscribers: the source absorbs them, publishes a synthetic reading and
// reports [FetchError.Reason] through [StateDegraded].
type FetchError struct {
	Kind FetchKind

	// StatusCode is set for KindHTTPStatus.
	StatusCode int

	Err error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return e.Reason()
	}
	return e.Reason() + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

// Reason returns the stable reason string used in [Status.Reason] and in
// metric labels.
func (e *FetchError) Reason() string {
	switch e.Kind {
	case KindTimeout:
		return ReasonTimeout
	case KindHTTPStatus:
		return "http_" + strconv.Itoa(e.StatusCode)
	case KindValidation:
		return ReasonValidation
	case KindMalformed:
		return ReasonMalformed
	case KindNoData:
		return ReasonNoData
	default:
		return ReasonNetwork
	}
}

// reasonOf maps any error returned by a [Fetcher] to a degraded reason.
// Errors that are not a *FetchError are classified as timeouts when they
// wrap context.DeadlineExceeded and as network failures otherwise.
func reasonOf(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Reason()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonNetwork
}

// decodeError wraps a poller decode error in the matching FetchError.
func decodeError(err error) *FetchError {
	switch {
	case errors.Is(err, poller.ErrMalformed):
		return &FetchError{Kind: KindMalformed, Err: err}
	case errors.Is(err, poller.ErrNoData):
		return &FetchError{Kind: KindNoData, Err: err}
	default:
		return &FetchError{Kind: KindValidation, Err: err}
	}
}
