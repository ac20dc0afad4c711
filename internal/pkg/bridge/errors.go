package bridge

import "errors"

// ErrNotSupported means there is no host integration to build a bridge on.
var ErrNotSupported = errors.New("NotSupported")

// ConstructionError reports that a bridge could not be created. Its text is
// the bare reason so it can be shown to the user as is.
type ConstructionError struct {
	Reason string
	Err    error
}

func (e *ConstructionError) Error() string {
	return e.Reason
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// NotSupported returns the construction error for a missing host integration.
func NotSupported(cause error) *ConstructionError {
	return &ConstructionError{Reason: ErrNotSupported.Error(), Err: errors.Join(ErrNotSupported, cause)}
}
