package warehouse

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/api/googleapi"
)

// ErrBudgetExceeded reports that a query's dry-run estimate exceeds the
// configured billed-bytes ceiling. It is never retried.
var ErrBudgetExceeded = errors.New("query exceeds the configured byte budget")

// Kind buckets warehouse errors by how the engine reacts to them.
type Kind int

const (
	// KindTransient errors are retried with backoff.
	KindTransient Kind = iota
	// KindTimeout errors exhausted the per-query wall clock; retried.
	KindTimeout
	// KindAuth errors never succeed on retry.
	KindAuth
	// KindBudget errors hit the billed-bytes ceiling; never retried.
	KindBudget
	// KindPermanent is everything else: bad SQL, missing tables.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindBudget:
		return "budget"
	default:
		return "permanent"
	}
}

// Classify maps an error from the warehouse client onto a Kind.
func Classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return KindPermanent
	}

	switch gerr.Code {
	case 429, 500, 502, 503, 504:
		return KindTransient
	case 401, 403:
		return KindAuth
	}
	if hasReason(gerr, "bytesBilledLimitExceeded") {
		return KindBudget
	}
	if hasReason(gerr, "rateLimitExceeded") || hasReason(gerr, "backendError") {
		return KindTransient
	}
	return KindPermanent
}

// retryable reports whether another attempt can succeed.
func retryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

func hasReason(gerr *googleapi.Error, reason string) bool {
	for _, item := range gerr.Errors {
		if item.Reason == reason {
			return true
		}
	}
	return strings.Contains(gerr.Message, reason)
}
