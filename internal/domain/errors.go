package domain

import "errors"

// Sentinel errors shared across packages. Callers wrap these with
// fmt.Errorf("pkg: op: %w", err) so errors.Is keeps working through layers.
var (
	// ErrRegistryFull means the symbol registry hit its fixed capacity.
	// This is fatal: silently dropping symbols would corrupt every
	// downstream id-indexed structure.
	ErrRegistryFull = errors.New("symbol registry full")

	// ErrSymbolOpen rejects an entry because the instrument already has
	// an open position.
	ErrSymbolOpen = errors.New("symbol already open")

	// ErrInsufficientCapital rejects an entry the ledger cannot fund.
	ErrInsufficientCapital = errors.New("insufficient capital")

	// ErrStaleQuote rejects an entry whose referenced quotes failed the
	// admission re-check.
	ErrStaleQuote = errors.New("stale quote")

	// ErrMalformedUpdate marks an inconsistent market update (for
	// example a crossed book). Counted and skipped, never applied.
	ErrMalformedUpdate = errors.New("malformed market update")

	// ErrEntryTimeout means the harder leg did not fill within its
	// deadline and the entry was abandoned.
	ErrEntryTimeout = errors.New("entry timeout")

	// ErrHedgeStuck means hedge retries were exhausted with one leg
	// still unfilled. The position is flagged and new entries block.
	ErrHedgeStuck = errors.New("hedge stuck after retries")

	// ErrTradingHalted rejects admissions while the halt flag is set.
	ErrTradingHalted = errors.New("trading halted")

	// ErrInvariantViolation marks a capital-conservation breach. The
	// process exits non-zero rather than continue on corrupt totals.
	ErrInvariantViolation = errors.New("capital conservation violated")

	// ErrUnknownVenue means no backend is registered for a venue id.
	ErrUnknownVenue = errors.New("unknown venue")

	// ErrKeyNotFound means no private key source (raw or encrypted) is
	// configured.
	ErrKeyNotFound = errors.New("key not found")

	// ErrBadPassphrase means the stored credential failed to decrypt.
	ErrBadPassphrase = errors.New("bad passphrase")

	// ErrLockHeld means another process already holds the live-trading
	// leadership lock.
	ErrLockHeld = errors.New("lock already held")
)

// RejectReason labels why the executor discarded an opportunity. The values
// index fixed counter arrays in metrics.
type RejectReason uint8

const (
	RejectNone RejectReason = iota
	RejectSymbolOpen
	RejectInsufficientCapital
	RejectStaleQuote
	RejectHalted
	RejectSizeTooSmall
	RejectEntryTimeout
	RejectVenueError

	// RejectReasonCount bounds per-reason counter arrays.
	RejectReasonCount
)

func (r RejectReason) String() string {
	switch r {
	case RejectSymbolOpen:
		return "symbol_open"
	case RejectInsufficientCapital:
		return "insufficient_capital"
	case RejectStaleQuote:
		return "stale_quote"
	case RejectHalted:
		return "halted"
	case RejectSizeTooSmall:
		return "size_too_small"
	case RejectEntryTimeout:
		return "entry_timeout"
	case RejectVenueError:
		return "venue_error"
	default:
		return "none"
	}
}
