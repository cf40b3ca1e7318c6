package pipeline

import "fmt"

// ErrorKind classifies a stage failure.
type ErrorKind string

const (
	KindDownload    ErrorKind = "download"
	KindRecognition ErrorKind = "recognition"
	KindSynthesis   ErrorKind = "synthesis"
	KindDelivery    ErrorKind = "delivery"
	// KindInternal marks a recovered panic.
	KindInternal ErrorKind = "internal"
)

// StageError is the operator-facing failure of one stage. Users only ever
// see the generic reply.
type StageError struct {
	Kind  ErrorKind
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s error in %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error aborts the job. Delivery errors are
// only logged.
func (e *StageError) Fatal() bool {
	return e.Kind != KindDelivery
}
