package game

import (
	"errors"

	"skycrash/internal/bet"
	"skycrash/internal/cache"
	"skycrash/internal/wallet"
)

// Domain errors surfaced to clients through the stable wire taxonomy.
var (
	ErrUnauthorised         = errors.New("caller not authenticated")
	ErrForbidden            = errors.New("caller does not own this bet")
	ErrStakeOutOfRange      = errors.New("stake outside allowed range")
	ErrInvalidAutoThreshold = errors.New("auto-cashout threshold must exceed 1.00")
	ErrBetLimitExceeded     = errors.New("bet limit for cycle reached")
	ErrCycleEnded           = errors.New("cycle ended before settlement")
	ErrSystem               = errors.New("internal error")
)

// ErrorCode maps an error chain to the stable wire code. Unknown errors are
// reported as system-error; callers log the original.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorised):
		return "unauthorised"
	case errors.Is(err, ErrForbidden), errors.Is(err, cache.ErrTokenMismatch):
		return "forbidden"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return "insufficient-funds"
	case errors.Is(err, ErrBetLimitExceeded):
		return "bet-limit-exceeded"
	case errors.Is(err, ErrStakeOutOfRange):
		return "stake-out-of-range"
	case errors.Is(err, ErrInvalidAutoThreshold):
		return "invalid-auto-threshold"
	case errors.Is(err, bet.ErrNotActive), errors.Is(err, bet.ErrNotFound):
		return "not-active"
	case errors.Is(err, bet.ErrAlreadySettled):
		return "already-settled"
	case errors.Is(err, ErrCycleEnded):
		return "cycle-ended"
	default:
		return "system-error"
	}
}
