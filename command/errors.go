package command

import "errors"

// Reject is a wire-level rejection: a validation, referential or
// conflict error that never mutates state. Code matches the error
// taxonomy in the external interface contract (invalid_*, *_unknown,
// already_resolved, already_expired, write_disabled, ...).
type Reject struct {
	Code string
	Msg  string
}

func (r *Reject) Error() string { return r.Code + ": " + r.Msg }

func reject(code, msg string) error { return &Reject{Code: code, Msg: msg} }

// ErrWriteDisabled is returned by any mutating command on a replica.
var ErrWriteDisabled = &Reject{Code: "write_disabled", Msg: "process is configured as a read-only replica"}

// AsReject extracts a *Reject from err, if any.
func AsReject(err error) (*Reject, bool) {
	var r *Reject
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
