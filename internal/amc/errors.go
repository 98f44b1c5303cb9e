package amc

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes a caller may want to branch on.
// AuthenticationFailed and CentralNotFound are fatal: the client stops and
// will not retry with the same credentials. The rest are retryable or local
// to a single command.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrCentralNotFound      = errors.New("central not found")
	ErrCentralStatus        = errors.New("central status error")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrDecode               = errors.New("decode error")
	ErrCommandTimeout       = errors.New("command timeout")
	ErrStopped              = errors.New("client stopped")
	ErrPINNotSpecified      = errors.New("PIN not specified")
	ErrPINNotValid          = errors.New("PIN not valid")
	ErrPINNotAllowed        = errors.New("PIN not allowed")
)

func authenticationError(detail string) error {
	return fmt.Errorf("%w: %s", ErrAuthenticationFailed, detail)
}

func centralNotFoundError(detail string) error {
	return fmt.Errorf("%w: %s", ErrCentralNotFound, detail)
}

func centralStatusError(detail string) error {
	return fmt.Errorf("%w: %s", ErrCentralStatus, detail)
}

func connectionError(err error) error {
	if err == nil {
		return ErrConnectionFailed
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}

func decodeError(err error) error {
	return fmt.Errorf("%w: %v", ErrDecode, err)
}

func commandTimeoutError(key string) error {
	return fmt.Errorf("%w: no response for command %q", ErrCommandTimeout, key)
}

// IsFatal reports whether err should stop the client for good instead of
// being retried by the reconnection loop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrCentralNotFound)
}
