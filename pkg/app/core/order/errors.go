package order

import "fmt"

// ValidationError marks a malformed snapshot or order. Nothing is matched
// or applied when one is returned.
type ValidationError struct {
	Index  uint32
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order %d: %s", e.Index, e.Reason)
}

// InvariantError signals an implementation defect inside the matcher
// (negative capacity, cursor out of range, diverging variants). It is fatal
// and must not be retried.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return "matching invariant violated: " + e.Detail
}
