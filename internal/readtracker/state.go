package readtracker

import "time"

// Status is the lifecycle of one mark operation.
type Status int

const (
	// Pending means the local change is applied and the remote call has not
	// settled.
	Pending Status = iota
	// Committed means the remote update succeeded.
	Committed
	// RolledBack means the operation failed and the local change was undone
	// (or never applied).
	RolledBack
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// KeyState is the inspectable state of the last operation for a message.
type KeyState struct {
	Status    Status
	Attempts  int
	LastError error
	UpdatedAt time.Time
}
