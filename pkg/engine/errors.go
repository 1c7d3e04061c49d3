package engine

import "errors"

var (
	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrInstanceFinished   = errors.New("instance already finished")
	ErrNodeNotSuspended   = errors.New("node is not suspended")
)
