package identity

import "errors"

var (
	// ErrMalformed is returned when an identity string isn't valid base64.
	ErrMalformed = errors.New("malformed identity encoding")
	// ErrWrongLength is returned when a decoded identity isn't Size bytes.
	ErrWrongLength = errors.New("identity has wrong length")
)
