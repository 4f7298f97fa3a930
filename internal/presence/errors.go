package presence

import "fmt"

// StoreError wraps a backend failure. Handlers report it to the initiating
// connection and leave room state as-is; it is never fatal to the process.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
