package capture

import "fmt"

// UnsupportedError is returned by Open when the driver lacks a capability
// the session needs.
type UnsupportedError struct {
	Capability string
	Err        error
}

func (e *UnsupportedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("driver does not support %s: %v", e.Capability, e.Err)
	}
	return fmt.Sprintf("driver does not support %s", e.Capability)
}

func (e *UnsupportedError) Unwrap() error { return e.Err }

// BodyFetchError records a response body that could not be retrieved. It
// is stored on the Exchange and never returned.
type BodyFetchError struct {
	RequestID string
	Err       error
}

func (e *BodyFetchError) Error() string {
	return fmt.Sprintf("fetching body of %s: %v", e.RequestID, e.Err)
}

func (e *BodyFetchError) Unwrap() error { return e.Err }
