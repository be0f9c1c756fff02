package session

import "errors"

// ErrDecryptFailed indicates datagram authentication/decryption failed.
// Per spec §7, this is a Protocol-class error: counted and dropped, the
// session continues.
var ErrDecryptFailed = errors.New("datagram decrypt/authentication failed")
