package cryptobox

import "errors"

// ErrUnboxFailed is returned when AEAD authentication fails, meaning the
// ciphertext was not produced for us by the claimed sender.
var ErrUnboxFailed = errors.New("unbox failed")
