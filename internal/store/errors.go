package store

import (
	"errors"
	"fmt"
)

// ErrSelfEdge is returned when a relationship names the same session as both
// parent and child. Self edges are always rejected, never stored.
var ErrSelfEdge = errors.New("relationship parent and child are the same session")

// ErrCycle is returned when inserting a relationship would close a loop in
// the session graph. The graph must stay a forest.
var ErrCycle = errors.New("relationship would create a cycle")

// DurableError marks a failure of the source-of-truth tier. It always
// propagates to the caller so the producer can retry; it is never swallowed.
type DurableError struct {
	Op  string
	Err error
}

func (e *DurableError) Error() string {
	return fmt.Sprintf("durable store: %s: %v", e.Op, e.Err)
}

func (e *DurableError) Unwrap() error {
	return e.Err
}

// IsDurable reports whether err originated in the durable tier.
func IsDurable(err error) bool {
	var de *DurableError
	return errors.As(err, &de)
}
