package errs

import (
	"errors"
	"fmt"
)

var (
	ErrAuthRequired   = errors.New("authentication required")
	ErrInvalidMessage = errors.New("message content is empty")
	ErrEngineClosed   = errors.New("sync engine closed")
)

// TransientFetchError marks a load failure the caller may retry.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientFetchError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientFetchError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var t *TransientFetchError
	return errors.As(err, &t)
}

// SendFailedError is returned when a durable write fails after the
// optimistic insert has been rolled back.
type SendFailedError struct {
	GroupID string
	Err     error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("send to group %s failed: %v", e.GroupID, e.Err)
}
func (e *SendFailedError) Unwrap() error { return e.Err }

func SendFailed(groupID string, err error) error {
	return &SendFailedError{GroupID: groupID, Err: err}
}

func IsSendFailed(err error) bool {
	var s *SendFailedError
	return errors.As(err, &s)
}
