package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type ErrorKind string

const (
	Transient ErrorKind = "Transient"
	Permanent ErrorKind = "Permanent"
)

// ProviderError normalizes every failure of a channel API call.
type ProviderError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s failed (%s): status=%d message=%s", e.Op, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s failed (%s): %s", e.Op, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Transient() bool {
	return e.Kind == Transient
}

// IsTransient reports whether err is a ProviderError eligible for retry.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient()
}

func classifyStatus(op string, status int, message string) *ProviderError {
	kind := Permanent
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		kind = Transient
	}
	return &ProviderError{Kind: kind, Op: op, StatusCode: status, Message: message}
}

func classifyTransport(op string, err error) *ProviderError {
	if errors.Is(err, context.Canceled) {
		return &ProviderError{Kind: Permanent, Op: op, Message: "request cancelled", Err: err}
	}
	kind := Permanent
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = Transient
	case errors.As(err, &netErr):
		kind = Transient
	}
	return &ProviderError{Kind: kind, Op: op, Message: err.Error(), Err: err}
}
