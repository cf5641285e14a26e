package chatclient

import "errors"

// Sentinel errors a Client implementation wraps to signal the failure
// kinds the engine must react to (see Classify).
var (
	ErrNotFound  = errors.New("chatclient: not found")
	ErrForbidden = errors.New("chatclient: forbidden")
	ErrGuildGone = errors.New("chatclient: guild gone")
)

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
