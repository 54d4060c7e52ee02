package fleet

import "errors"

var (
	// ErrNameTaken means the requested instance name already exists.
	ErrNameTaken = errors.New("fleet: instance name already exists")
	// ErrUserHasInstance means the user already owns an instance.
	ErrUserHasInstance = errors.New("fleet: user already owns an instance")
	// ErrCapacityExceeded means the fleet is at MAX_INSTANCES.
	ErrCapacityExceeded = errors.New("fleet: instance capacity exceeded")
	// ErrShuttingDown means the coordinator no longer accepts work.
	ErrShuttingDown = errors.New("fleet: coordinator is shutting down")
)
