package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// World-state data model.
	ErrPathNotFound   = "E_PATH_NOT_FOUND"
	ErrRangeViolation = "E_RANGE_VIOLATION"
	ErrTypeMismatch   = "E_TYPE_MISMATCH"
	ErrPathExists     = "E_PATH_EXISTS"

	// State machines.
	ErrInvalidTransition = "E_INVALID_TRANSITION"
	ErrInvalidDuration   = "E_INVALID_DURATION"
	ErrNotContested      = "E_NOT_CONTESTED"

	// Routing/arbitration.
	ErrPathContested    = "E_PATH_CONTESTED"
	ErrArbitrationParse = "E_ARBITRATION_PARSE"
	ErrClaimDenied      = "E_CLAIM_DENIED"

	// Generic request layer.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrInvalidTarget = "E_INVALID_TARGET"
	ErrForbidden     = "E_FORBIDDEN"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrPathNotFound:      {},
	ErrRangeViolation:    {},
	ErrTypeMismatch:      {},
	ErrPathExists:        {},
	ErrInvalidTransition: {},
	ErrInvalidDuration:   {},
	ErrNotContested:      {},
	ErrPathContested:     {},
	ErrArbitrationParse:  {},
	ErrClaimDenied:       {},
	ErrBadRequest:        {},
	ErrInvalidTarget:     {},
	ErrForbidden:         {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
