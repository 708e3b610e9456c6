package feed

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed engine
var ErrClosed = errors.New("feed: engine closed")

// SubscriptionError reports a failing store subscription. Cached rows are kept when one occurs.
type SubscriptionError struct {
	// Source is "parents", "blocks" or "child:<parent id>"
	Source string
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s: %v", e.Source, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// IsParentError reports whether err is a failure of the parent page subscription
func IsParentError(err error) bool {
	var se *SubscriptionError
	return errors.As(err, &se) && se.Source == sourceParents
}

const (
	sourceParents = "parents"
	sourceBlocks  = "blocks"
)

func childSource(parentID string) string {
	return "child:" + parentID
}
