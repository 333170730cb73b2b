package proxy

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("downstream resource not found")
	ErrDownstream       = errors.New("downstream service unavailable")
	ErrUnknownService   = errors.New("unknown service")
	ErrUnknownOperation = errors.New("unknown operation")
)

// DownstreamError carries the full detail of a failed downstream call. It
// is only handed to callers that manage the service.
type DownstreamError struct {
	Service    string
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *DownstreamError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Service, e.Operation, e.Err)
	case e.Body != "":
		return fmt.Sprintf("%s %s: status %d: %s", e.Service, e.Operation, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%s %s: status %d", e.Service, e.Operation, e.StatusCode)
	}
}

func (e *DownstreamError) Unwrap() error { return e.Err }

func (e *DownstreamError) Is(target error) bool { return target == ErrDownstream }
