package mcbp

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pior/mcbp/protocol"
)

// CircuitBreaker guards the dispatch to one data node.
type CircuitBreaker interface {
	Execute(func() (*protocol.Frame, error)) (*protocol.Frame, error)
}

// NewCircuitBreakerConfig returns a function that creates circuit
// breakers for data nodes. This is a helper for common use cases.
// Per-document status errors (miss, cas mismatch, subdoc path errors)
// do not count as failures; only dispatch-level errors trip the
// breaker.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) CircuitBreaker {
	return func(nodeAddr string) CircuitBreaker {
		settings := gobreaker.Settings{
			Name:        nodeAddr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: func(err error) bool {
				return !isDispatchFailure(err)
			},
		}
		return gobreaker.NewCircuitBreaker[*protocol.Frame](settings)
	}
}

// isDispatchFailure reports whether an operation error indicates the
// node itself is unhealthy, as opposed to a per-document outcome.
func isDispatchFailure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, protocol.ErrRequestCanceled) ||
		errors.Is(err, protocol.ErrUnambiguousTimeout) ||
		errors.Is(err, protocol.ErrTemporaryFailure) ||
		errors.Is(err, protocol.ErrInternalServerFailure)
}
