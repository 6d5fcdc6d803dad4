package readtracker

import "fmt"

// OptimisticApplyError is returned when the local apply callback fails. The
// remote API is not called.
type OptimisticApplyError struct {
	MessageID string
	Err       error
}

func (e *OptimisticApplyError) Error() string {
	return fmt.Sprintf("failed to apply local read state for %s: %v", e.MessageID, e.Err)
}

func (e *OptimisticApplyError) Unwrap() error { return e.Err }

// RemoteUpdateError is returned when the remote update fails. The local
// change has been reverted unless RollbackErr is set.
type RemoteUpdateError struct {
	MessageID   string
	Err         error
	RollbackErr error
}

func (e *RemoteUpdateError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("failed to mark %s read remotely: %v (rollback failed: %v)", e.MessageID, e.Err, e.RollbackErr)
	}
	return fmt.Sprintf("failed to mark %s read remotely: %v", e.MessageID, e.Err)
}

func (e *RemoteUpdateError) Unwrap() error { return e.Err }
