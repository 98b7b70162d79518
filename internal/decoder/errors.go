package decoder

import "errors"

// ErrReleased is returned for input submitted after Release.
var ErrReleased = errors.New("decoder released")

// DecodeError is the only error type returned to callers of SubmitChunk.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return "decoder: " + e.Op + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
