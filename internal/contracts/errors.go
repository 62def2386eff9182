package contracts

import "errors"

// Error kinds returned by the market core.
// Call sites wrap these with fmt.Errorf("...: %w", ErrX) so errors.Is works
// and KindOf can name the kind for API clients.
var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrAlreadyTerminal      = errors.New("order already terminal")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrCascadeFailure       = errors.New("cascade failure")
)

// Kind names used on the wire
const (
	KindInvalidInput         = "InvalidInput"
	KindInsufficientFunds    = "InsufficientFunds"
	KindInsufficientHoldings = "InsufficientHoldings"
	KindNotFound             = "NotFound"
	KindForbidden            = "Forbidden"
	KindAlreadyTerminal      = "AlreadyTerminal"
	KindConcurrencyConflict  = "ConcurrencyConflict"
	KindCascadeFailure       = "CascadeFailure"
	KindInternal             = "Internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidInput, KindInvalidInput},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrInsufficientHoldings, KindInsufficientHoldings},
	{ErrNotFound, KindNotFound},
	{ErrForbidden, KindForbidden},
	{ErrAlreadyTerminal, KindAlreadyTerminal},
	{ErrConcurrencyConflict, KindConcurrencyConflict},
	{ErrCascadeFailure, KindCascadeFailure},
}

// KindOf returns the machine-distinguishable kind of err, or KindInternal
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
