package selection

import (
	"fmt"
	"time"
)

// NoCapacityError is returned when every account is filtered out even at the
// last-resort level. Wait carries a hint for when capacity may return; zero
// means no meaningful hint exists.
type NoCapacityError struct {
	Wait   time.Duration
	Reason string
}

func (e *NoCapacityError) Error() string {
	if e.Wait > 0 {
		return fmt.Sprintf("no account capacity (%s), retry in %s", e.Reason, e.Wait)
	}
	return fmt.Sprintf("no account capacity (%s)", e.Reason)
}
