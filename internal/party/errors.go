package party

import "errors"

var (
	// ErrNotFound means the party id does not exist.
	ErrNotFound = errors.New("party: not found")

	// ErrIllegalState means the operation is not valid in the party's
	// current lifecycle state.
	ErrIllegalState = errors.New("party: illegal state for operation")

	// ErrConflict means the operation collides with existing membership:
	// the party is full, or the player already belongs to a party.
	ErrConflict = errors.New("party: conflict")

	// ErrForbidden means the caller is not the party leader.
	ErrForbidden = errors.New("party: leader only")

	// ErrNotMember means the caller does not belong to the party.
	ErrNotMember = errors.New("party: not a member")

	// ErrNotReady means the queue was requested before every member
	// marked ready.
	ErrNotReady = errors.New("party: not all members ready")
)
