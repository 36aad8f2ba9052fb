package errs

import "fmt"

// FromHTTPStatus classifies an HTTP response status into the failure
// taxonomy. Success statuses map to nil.
func FromHTTPStatus(op string, status int) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var kind Kind
	switch {
	case status == 401 || status == 403:
		kind = KindPermission
	case status == 408:
		kind = KindTransient
	case status == 429:
		kind = KindExhausted
	case status >= 500:
		kind = KindUnavailable
	case status >= 400:
		kind = KindValidation
	default:
		kind = KindUnknown
	}

	return &Error{
		Kind: kind,
		Op:   op,
		Err:  fmt.Errorf("unexpected status %d", status),
	}
}
