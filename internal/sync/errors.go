package sync

import "fmt"

// Phase identifies the step of a pass that failed.
type Phase string

const (
	PhasePull Phase = "pull"
	PhasePush Phase = "push"
)

// SyncError wraps a failure during a sync pass.
type SyncError struct {
	Phase Phase
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s failed: %v", e.Phase, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
