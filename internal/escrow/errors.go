package escrow

import "errors"

// Error is a domain failure carrying the numeric code used by the escrow contract.
type Error struct {
	Code uint32
	Kind string
}

func (e *Error) Error() string {
	return e.Kind
}

var (
	ErrUnauthorized          = &Error{Code: 100, Kind: "unauthorized"}
	ErrNotFound              = &Error{Code: 101, Kind: "project not found"}
	ErrExceedsAllocation     = &Error{Code: 103, Kind: "release exceeds allocation"}
	ErrAlreadyExists         = &Error{Code: 104, Kind: "project already exists"}
	ErrAllMilestonesComplete = &Error{Code: 105, Kind: "all milestones complete"}
	ErrTooManyMilestones     = &Error{Code: 107, Kind: "too many milestones"}
)

// Code returns the contract code of the first *Error in err's chain, or 0.
func Code(err error) uint32 {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsDomainError reports whether err is a rejection by the escrow rules
// rather than an infrastructure failure.
func IsDomainError(err error) bool {
	return Code(err) != 0
}
