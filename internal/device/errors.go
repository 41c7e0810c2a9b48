package device

import (
	"errors"
	"fmt"
)

// Reason classifies why a device exchange failed.
type Reason string

const (
	ReasonTransport Reason = "transport" // connection refused, timeout, TLS
	ReasonProtocol  Reason = "protocol"  // 2xx where a challenge was expected, missing or unusable challenge
	ReasonAuth      Reason = "auth"      // authenticated retry rejected
	ReasonDecode    Reason = "decode"    // response body is not the expected JSON
)

// Failure is returned by every Client operation that does not succeed.
type Failure struct {
	Address string
	Op      string
	Reason  Reason
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", f.Op, f.Address, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ReasonOf extracts the Reason of a Failure anywhere in err's chain.
func ReasonOf(err error) (Reason, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason, true
	}
	return "", false
}
