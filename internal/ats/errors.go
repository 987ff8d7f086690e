package ats

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// BadResponseError flags a vendor payload that cannot be understood:
// malformed XML, a missing dataset envelope, or a row that fails field
// validation. It is terminal for the fetch and must not be retried.
type BadResponseError struct {
	Endpoint      string
	IntegrationID string
	Message       string
	Err           error
}

func (e *BadResponseError) Error() string {
	return fmt.Sprintf("'422: %s, Error: %v'", e.Message, e.Err)
}

func (e *BadResponseError) Unwrap() error { return e.Err }

// StatusError reports a non-2xx HTTP response from the vendor or the
// downstream sensors API.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// IsTransient reports whether err looks like a transport failure worth
// retrying: network/timeout errors and HTTP error statuses. Bad payloads
// and missing configuration are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var bad *BadResponseError
	if errors.As(err, &bad) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
