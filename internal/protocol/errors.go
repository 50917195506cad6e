package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// World routing/state.
	ErrWorldBusy = "E_WORLD_BUSY"

	// Edit layer.
	ErrBadRequest     = "E_BAD_REQUEST"
	ErrInvalidTarget  = "E_INVALID_TARGET"
	ErrUnknownSpecies = "E_UNKNOWN_SPECIES"
	ErrRateLimit      = "E_RATE_LIMIT"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrWorldBusy:       {},
	ErrBadRequest:      {},
	ErrInvalidTarget:   {},
	ErrUnknownSpecies:  {},
	ErrRateLimit:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
