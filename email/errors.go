package email

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when a message is handed to a Transport that
// has no live session.
var ErrNotConnected = errors.New("server not connected, cannot send message, please connect first and disconnect when the connection is not needed any more")

// ValidationError reports malformed message input: a bad address, a missing
// required field or an unsupported content type.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// AttachmentError means an attachment path couldn't be read while building a
// message.
type AttachmentError struct {
	Path string
	Err  error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("can't read attachment %v: %v", e.Path, e.Err)
}

func (e *AttachmentError) Unwrap() error { return e.Err }

// ConnectionError covers every failure while opening a session: dialing,
// greeting, the STARTTLS upgrade and authentication. Op names the step.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("smtp %v: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransmissionError is a failure inside the MAIL/RCPT/DATA sequence.
type TransmissionError struct {
	Op  string
	Err error
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("smtp %v: %v", e.Op, e.Err)
}

func (e *TransmissionError) Unwrap() error { return e.Err }
