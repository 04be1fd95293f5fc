package broker

// ValidationError reports malformed input on an otherwise healthy
// connection: an empty name, room, or message. The request is rejected
// and the connection is unaffected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// StateError reports a request that is invalid in the connection's
// current state: not logged in, a taken name, publishing to a room the
// connection does not occupy, or querying an unknown room.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string { return e.Reason }

// Request failures carry the exact client-facing message; the broker
// replies with an ErrorEvent wrapping err.Error().
var (
	ErrUsernameRequired = &ValidationError{Reason: "Username is required"}
	ErrRoomRequired     = &ValidationError{Reason: "Room name is required"}
	ErrEmptyMessage     = &ValidationError{Reason: "Message cannot be empty"}

	ErrUsernameTaken   = &StateError{Reason: "Username already taken"}
	ErrAlreadyLoggedIn = &StateError{Reason: "Already logged in"}
	ErrLoginRequired   = &StateError{Reason: "Please login first"}
	ErrNotInRoom       = &StateError{Reason: "You are not in this room"}
	ErrRoomNotFound    = &StateError{Reason: "Room not found"}
)
