package market

import (
	"encoding/hex"
	"strconv"

	"github.com/holiman/uint256"

	"dmarket/core/types"
	"dmarket/crypto"
)

const (
	EventTypeOfferCreated    = "market.offer.created"
	EventTypeBidSet          = "market.bid.set"
	EventTypeOfferPurchased  = "market.offer.purchased"
	EventTypeOfferPickedUp   = "market.offer.picked_up"
	EventTypeOfferInTransit  = "market.offer.in_transit"
	EventTypeOfferETAUpdated = "market.offer.eta_updated"
	EventTypeOfferDelivered  = "market.offer.delivered"
	EventTypeOfferCompleted  = "market.offer.completed"
	EventTypeOfferDisputed   = "market.offer.disputed"
	EventTypeDisputeResolved = "market.offer.dispute_resolved"
	EventTypeOfferRated      = "market.offer.rated"
	EventTypePayout          = "market.payout"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// NewOfferEvent returns the canonical event payload for an offer transition.
// The delivery address is never part of the payload, sealed or otherwise.
func NewOfferEvent(eventType string, o *Offer) *types.Event {
	attrs := make(map[string]string)
	if o == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(o.ID[:])
	attrs["itemId"] = hex.EncodeToString(o.Item.ID[:])
	attrs["price"] = cloneAmount(o.Item.Price).Dec()
	attrs["seller"] = o.Seller.String()
	attrs["state"] = o.State.String()
	if o.DeliveryETA != 0 {
		attrs["eta"] = strconv.FormatUint(o.DeliveryETA, 10)
	}
	if o.Purchase != nil {
		attrs["buyer"] = o.Purchase.BuyerID.String()
		attrs["carrier"] = o.Purchase.SelectedCarrierID.String()
		attrs["carrierFee"] = cloneAmount(o.Purchase.CarrierFee).Dec()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewBidEvent returns the payload emitted when a carrier sets or updates a bid.
func NewBidEvent(offerID [32]byte, carrier PartyID, fee *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeBidSet,
		Attributes: map[string]string{
			"id":      hex.EncodeToString(offerID[:]),
			"carrier": carrier.String(),
			"fee":     cloneAmount(fee).Dec(),
		},
	}
}

// NewRatedEvent returns the payload emitted when a rating slot is written.
func NewRatedEvent(offerID [32]byte, ratee, rater crypto.Role, rating uint8) *types.Event {
	return &types.Event{
		Type: EventTypeOfferRated,
		Attributes: map[string]string{
			"id":     hex.EncodeToString(offerID[:]),
			"ratee":  ratee.String(),
			"rater":  rater.String(),
			"rating": strconv.FormatUint(uint64(rating), 10),
		},
	}
}

// NewPayoutEvent returns the payload instructing settlement of one payout.
func NewPayoutEvent(offerID [32]byte, p Payout) *types.Event {
	return &types.Event{
		Type: EventTypePayout,
		Attributes: map[string]string{
			"id":        hex.EncodeToString(offerID[:]),
			"recipient": p.Recipient.String(),
			"role":      p.Role.String(),
			"amount":    cloneAmount(p.Amount).Dec(),
		},
	}
}
