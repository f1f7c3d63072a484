package core

import (
	"encoding/hex"
	"fmt"
	"sort"

	"dmarket/crypto"
	"dmarket/native/market"
	"dmarket/native/reputation"
)

// OfferView is the JSON rendering of an offer used by the CLI and the daemon.
// The sealed delivery address is never included.
type OfferView struct {
	ID             string    `json:"id"`
	ItemID         string    `json:"itemId"`
	Price          string    `json:"price"`
	ItemMeta       string    `json:"itemMeta,omitempty"`
	Seller         string    `json:"seller"`
	SellerName     string    `json:"sellerName,omitempty"`
	Meta           string    `json:"meta,omitempty"`
	State          string    `json:"state"`
	DeliveryETA    uint64    `json:"deliveryEta,omitempty"`
	Buyer          string    `json:"buyer,omitempty"`
	Carrier        string    `json:"carrier,omitempty"`
	CarrierFee     string    `json:"carrierFee,omitempty"`
	Locked         string    `json:"locked"`
	Bids           []BidView `json:"bids,omitempty"`
	SellerRatings  [2]uint8  `json:"sellerRatings"`
	CarrierRatings [2]uint8  `json:"carrierRatings"`
	BuyerRatings   [2]uint8  `json:"buyerRatings"`
}

// BidView is the JSON rendering of one carrier bid.
type BidView struct {
	Carrier string `json:"carrier"`
	Fee     string `json:"fee"`
	Meta    string `json:"meta,omitempty"`
}

// ScoreView is the JSON rendering of a reputation score.
type ScoreView struct {
	Subject string  `json:"subject"`
	Role    string  `json:"role"`
	Sum     uint64  `json:"sum"`
	Count   uint64  `json:"count"`
	Average float64 `json:"average"`
}

// IdentityView lists the identifiers a key holds on one market instance.
type IdentityView struct {
	Instance      string `json:"instance"`
	Seller        string `json:"seller"`
	Carrier       string `json:"carrier"`
	Buyer         string `json:"buyer"`
	EncryptionKey string `json:"encryptionKey"`
}

// NewOfferView renders offer together with its outstanding bids. sellers
// resolves the seller's registry record for display and may be nil.
func NewOfferView(offer *market.Offer, bids map[crypto.PartyID]*market.Bid, sellers func(crypto.PartyID) (*market.Participant, bool)) OfferView {
	view := OfferView{
		ID:             hex.EncodeToString(offer.ID[:]),
		ItemID:         hex.EncodeToString(offer.Item.ID[:]),
		Price:          offer.Item.Price.Dec(),
		ItemMeta:       offer.Item.Meta,
		Seller:         offer.Seller.String(),
		Meta:           offer.Meta,
		State:          offer.State.String(),
		DeliveryETA:    offer.DeliveryETA,
		Locked:         market.LockedAmount(offer).Dec(),
		SellerRatings:  offer.SellerRatings,
		CarrierRatings: offer.CarrierRatings,
		BuyerRatings:   offer.BuyerRatings,
	}
	if sellers != nil {
		if p, ok := sellers(offer.Seller); ok {
			view.SellerName = market.ParseUserMeta(p.Meta).Name
		}
	}
	if offer.Purchase != nil {
		view.Buyer = offer.Purchase.BuyerID.String()
		view.Carrier = offer.Purchase.SelectedCarrierID.String()
		view.CarrierFee = offer.Purchase.CarrierFee.Dec()
	}
	carriers := make([]crypto.PartyID, 0, len(bids))
	for carrier := range bids {
		carriers = append(carriers, carrier)
	}
	sort.Slice(carriers, func(i, j int) bool { return carriers[i].Compare(carriers[j]) < 0 })
	for _, carrier := range carriers {
		bid := bids[carrier]
		view.Bids = append(view.Bids, BidView{Carrier: carrier.String(), Fee: bid.Fee.Dec(), Meta: bid.Meta})
	}
	return view
}

// NewScoreView renders a reputation score.
func NewScoreView(s reputation.Score) ScoreView {
	return ScoreView{
		Subject: s.Subject.String(),
		Role:    s.Role.String(),
		Sum:     s.Sum,
		Count:   s.Count,
		Average: s.Average(),
	}
}

// NewIdentityView renders the identifiers of caller on instance.
func NewIdentityView(caller market.Caller, instance crypto.InstanceID) IdentityView {
	return IdentityView{
		Instance:      hex.EncodeToString(instance[:]),
		Seller:        caller.Seller.String(),
		Carrier:       caller.Carrier.String(),
		Buyer:         caller.Buyer.String(),
		EncryptionKey: hex.EncodeToString(caller.EncryptionKey),
	}
}

// ParseOfferID decodes a 32 byte offer id given in hex.
func ParseOfferID(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(trimHex(s))
	if err != nil {
		return id, fmt.Errorf("invalid offer id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("offer id must be %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
