package multiwriters

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownScenario  = errors.New("unknown scenario")
	ErrInvalidKeySize   = errors.New("key size must be positive")
	ErrInvalidValueSize = errors.New("value size can not be negative")
	ErrInvalidDuration  = errors.New("run duration can not be negative")
	ErrInvalidBatchSize = errors.New("multiget batch size must be positive")
	ErrUnknownProperty  = errors.New("the engine does not know the property")
	ErrHarnessClosed    = errors.New("the harness is closed")
	ErrMultiGetMismatch = errors.New("multiget returned a wrong number of results")
)

// Roles reported by FatalError.
const (
	RoleController = "controller"
	RoleDurable    = "durable-writer"
	RoleNonDurable = "non-durable-writer"
	RoleReader     = "reader"
)

// FatalError is a failure the run can not continue after.
// The accumulated counters of a run that ends with one are discarded.
type FatalError struct {
	Role string // who failed
	Op   string // the storage operation
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Role, e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatal(role, op string, err error) error {
	return &FatalError{Role: role, Op: op, Err: err}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
