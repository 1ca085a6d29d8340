package protocol

// Status is the lifecycle position of an agreement instance.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// validTransitions is the monotonic lifecycle: pending -> active -> finished,
// finished terminal. The swap variant's active -> pending reset is the one
// sanctioned exception, letting an approved pair re-rent without a fresh
// instance.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusActive: true},
	StatusActive:  {StatusFinished: true, StatusPending: true},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	return validTransitions[s][next]
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusFinished:
		return true
	}
	return false
}
