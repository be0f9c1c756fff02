package wire

import "errors"

// Sentinel errors for the wire package, following the teacher's av/errors.go
// convention of declaring package-scope sentinels for errors.Is checks.
var (
	// ErrMalformed indicates a datagram or report failed to parse.
	ErrMalformed = errors.New("malformed datagram")

	// ErrUnknownReportBlock indicates a reception report block referenced
	// an SSRC this endpoint does not own.
	ErrUnknownReportBlock = errors.New("report block addresses unknown local SSRC")
)
