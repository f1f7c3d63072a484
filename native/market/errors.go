package market

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure returned by the engine matches exactly one of
// these through errors.Is. None of them are retryable.
var (
	ErrNotFound               = errors.New("market: not found")
	ErrAlreadyExists          = errors.New("market: already exists")
	ErrUnauthorized           = errors.New("market: unauthorized")
	ErrInvalidStateTransition = errors.New("market: invalid state transition")
	ErrInvalidDeposit         = errors.New("market: invalid deposit")
	ErrInvalidRating          = errors.New("market: invalid rating")
	ErrDecryptionFailed       = errors.New("market: decryption failed")
)

// Error carries a fixed user-facing message together with its kind.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes the kind so callers can match with errors.Is.
func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Fixed messages shared by several operations.
const (
	msgOfferNotFound      = "Offer not found"
	msgOfferAlreadyExists = "Offer already exists"
	msgNoCarriers         = "No carriers found for the offer"
	msgCarrierNotBidder   = "Carrier not found among bidders"
	msgWrongCoinColor     = "Deposit must be made in the escrow token"
	msgRatingTooLow       = "Rate needs to be greater than 0"
	msgRatingTooHigh      = "Rate needs to be lower than 256"
)

func errOfferNotFound() *Error { return newError(ErrNotFound, msgOfferNotFound) }

func errState(op string, required, current OfferState) *Error {
	return newError(ErrInvalidStateTransition, "%s requires %s, offer is %s", op, required, current)
}

// KindOf returns the kind of a market error or nil for foreign errors.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrNotFound,
		ErrAlreadyExists,
		ErrUnauthorized,
		ErrInvalidStateTransition,
		ErrInvalidDeposit,
		ErrInvalidRating,
		ErrDecryptionFailed,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
