package versions

import "errors"

var (
	// ErrNotFound indicates the workflow or version does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedOperation indicates the operation is forbidden for the
	// workflow's current lifecycle state.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrIllegalArgument indicates the request conflicts with the
	// workflow's version lifecycle.
	ErrIllegalArgument = errors.New("illegal argument")
)
