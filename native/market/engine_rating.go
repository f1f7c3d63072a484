package market

import (
	"dmarket/crypto"
)

// Rating slots. Each participant has two, one per counterpart entitled to
// rate them.
const (
	slotSellerByCarrier = 0
	slotSellerByBuyer   = 1
	slotCarrierBySeller = 0
	slotCarrierByBuyer  = 1
	slotBuyerBySeller   = 0
	slotBuyerByCarrier  = 1
)

// Rate records the caller's rating of the participant holding role ratee on a
// completed offer. rating must lie in [1,255] and each slot is written once.
func (e *Engine) Rate(caller Caller, offerID [32]byte, ratee crypto.Role, rating uint64) (*Offer, error) {
	if rating == 0 {
		return nil, newError(ErrInvalidRating, msgRatingTooLow)
	}
	if rating > 255 {
		return nil, newError(ErrInvalidRating, msgRatingTooHigh)
	}
	offer, err := e.loadOfferIn(offerID, "Rating", OfferCompleted)
	if err != nil {
		return nil, err
	}
	slots, rater, err := rateTarget(caller, offer, ratee)
	if err != nil {
		return nil, err
	}
	if slots.slot[slots.index] != 0 {
		return nil, newError(ErrInvalidRating, "The %s was already rated by the %s", ratee, rater)
	}
	slots.slot[slots.index] = uint8(rating)
	if err := e.state.OfferPut(offer); err != nil {
		return nil, err
	}
	e.emit(NewRatedEvent(offerID, ratee, rater, uint8(rating)))
	return offer.Clone(), nil
}

// RateSeller rates the seller of a completed offer.
func (e *Engine) RateSeller(caller Caller, offerID [32]byte, rating uint64) (*Offer, error) {
	return e.Rate(caller, offerID, crypto.RoleSeller, rating)
}

// RateCarrier rates the selected carrier of a completed offer.
func (e *Engine) RateCarrier(caller Caller, offerID [32]byte, rating uint64) (*Offer, error) {
	return e.Rate(caller, offerID, crypto.RoleCarrier, rating)
}

// RateBuyer rates the buyer of a completed offer.
func (e *Engine) RateBuyer(caller Caller, offerID [32]byte, rating uint64) (*Offer, error) {
	return e.Rate(caller, offerID, crypto.RoleBuyer, rating)
}

type ratingSlot struct {
	slot  *Ratings
	index int
}

// rateTarget resolves which slot the caller writes when rating ratee. A caller
// holding both counterpart roles rates through the first listed one.
func rateTarget(caller Caller, offer *Offer, ratee crypto.Role) (ratingSlot, crypto.Role, error) {
	seller := offer.Seller
	carrier := offer.Purchase.SelectedCarrierID
	buyer := offer.Purchase.BuyerID

	switch ratee {
	case crypto.RoleSeller:
		switch {
		case caller.Seller == seller:
			return ratingSlot{}, 0, newError(ErrUnauthorized, "Participants cannot rate themselves")
		case caller.Carrier == carrier:
			return ratingSlot{&offer.SellerRatings, slotSellerByCarrier}, crypto.RoleCarrier, nil
		case caller.Buyer == buyer:
			return ratingSlot{&offer.SellerRatings, slotSellerByBuyer}, crypto.RoleBuyer, nil
		}
		return ratingSlot{}, 0, newError(ErrUnauthorized, "Only the carrier or buyer of the offer can rate the seller")
	case crypto.RoleCarrier:
		switch {
		case caller.Carrier == carrier:
			return ratingSlot{}, 0, newError(ErrUnauthorized, "Participants cannot rate themselves")
		case caller.Seller == seller:
			return ratingSlot{&offer.CarrierRatings, slotCarrierBySeller}, crypto.RoleSeller, nil
		case caller.Buyer == buyer:
			return ratingSlot{&offer.CarrierRatings, slotCarrierByBuyer}, crypto.RoleBuyer, nil
		}
		return ratingSlot{}, 0, newError(ErrUnauthorized, "Only the seller or buyer of the offer can rate the carrier")
	case crypto.RoleBuyer:
		switch {
		case caller.Buyer == buyer:
			return ratingSlot{}, 0, newError(ErrUnauthorized, "Participants cannot rate themselves")
		case caller.Seller == seller:
			return ratingSlot{&offer.BuyerRatings, slotBuyerBySeller}, crypto.RoleSeller, nil
		case caller.Carrier == carrier:
			return ratingSlot{&offer.BuyerRatings, slotBuyerByCarrier}, crypto.RoleCarrier, nil
		}
		return ratingSlot{}, 0, newError(ErrUnauthorized, "Only the seller or carrier of the offer can rate the buyer")
	default:
		return ratingSlot{}, 0, newError(ErrInvalidRating, "Unknown ratee %s", ratee)
	}
}

// RaterOf reports which counterpart role the caller rates ratee through on a
// purchased offer.
func RaterOf(caller Caller, offer *Offer, ratee crypto.Role) (crypto.Role, error) {
	if offer == nil || offer.Purchase == nil {
		return 0, newError(ErrInvalidStateTransition, "Offer has not been purchased")
	}
	_, rater, err := rateTarget(caller, offer, ratee)
	return rater, err
}
