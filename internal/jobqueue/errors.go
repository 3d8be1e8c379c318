package jobqueue

import "errors"

var (
	ErrNoHandler   = errors.New("no handler registered")
	ErrClosed      = errors.New("queue closed")
	ErrEmptyName   = errors.New("job name is required")
	ErrJobNotFound = errors.New("job not found")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. A job failing with it goes to
// the dead-letter queue straight away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
