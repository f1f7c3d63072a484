package market

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// storedOffer is the RLP layout of an offer. Amounts are fixed 32 byte big
// endian words and the optional purchase details are flattened behind a flag.
type storedOffer struct {
	ID             [32]byte
	ItemID         [32]byte
	ItemPrice      [32]byte
	ItemMeta       string
	Seller         [32]byte
	Meta           string
	State          uint8
	DeliveryETA    uint64
	HasPurchase    uint8
	Buyer          [32]byte
	Carrier        [32]byte
	CarrierFee     [32]byte
	AddrForCarrier []byte
	AddrForSeller  []byte
	SellerRatings  [2]uint8
	CarrierRatings [2]uint8
	BuyerRatings   [2]uint8
}

type storedBid struct {
	Carrier [32]byte
	Fee     [32]byte
	Meta    string
}

type storedParticipant struct {
	Meta          string
	EncryptionKey []byte
}

// EncodeOffer serialises the offer into its canonical RLP form.
func EncodeOffer(o *Offer) ([]byte, error) {
	sanitized, err := SanitizeOffer(o)
	if err != nil {
		return nil, err
	}
	rec := storedOffer{
		ID:             sanitized.ID,
		ItemID:         sanitized.Item.ID,
		ItemPrice:      sanitized.Item.Price.Bytes32(),
		ItemMeta:       sanitized.Item.Meta,
		Seller:         sanitized.Seller,
		Meta:           sanitized.Meta,
		State:          uint8(sanitized.State),
		DeliveryETA:    sanitized.DeliveryETA,
		SellerRatings:  sanitized.SellerRatings,
		CarrierRatings: sanitized.CarrierRatings,
		BuyerRatings:   sanitized.BuyerRatings,
	}
	if p := sanitized.Purchase; p != nil {
		rec.HasPurchase = 1
		rec.Buyer = p.BuyerID
		rec.Carrier = p.SelectedCarrierID
		rec.CarrierFee = p.CarrierFee.Bytes32()
		rec.AddrForCarrier = p.DeliveryAddress.Carrier
		rec.AddrForSeller = p.DeliveryAddress.Seller
	}
	return rlp.EncodeToBytes(&rec)
}

// DecodeOffer parses an offer produced by EncodeOffer.
func DecodeOffer(data []byte) (*Offer, error) {
	var rec storedOffer
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("market: decode offer: %w", err)
	}
	o := &Offer{
		ID: rec.ID,
		Item: Item{
			ID:    rec.ItemID,
			Price: new(uint256.Int).SetBytes32(rec.ItemPrice[:]),
			Meta:  rec.ItemMeta,
		},
		Seller:         rec.Seller,
		Meta:           rec.Meta,
		State:          OfferState(rec.State),
		DeliveryETA:    rec.DeliveryETA,
		SellerRatings:  rec.SellerRatings,
		CarrierRatings: rec.CarrierRatings,
		BuyerRatings:   rec.BuyerRatings,
	}
	if rec.HasPurchase == 1 {
		o.Purchase = &PurchaseDetails{
			BuyerID:           rec.Buyer,
			SelectedCarrierID: rec.Carrier,
			CarrierFee:        new(uint256.Int).SetBytes32(rec.CarrierFee[:]),
			DeliveryAddress: SealedAddress{
				Carrier: rec.AddrForCarrier,
				Seller:  rec.AddrForSeller,
			},
		}
	}
	return SanitizeOffer(o)
}

// EncodeBids serialises the bid set of one offer, ordered by carrier id.
func EncodeBids(bids map[PartyID]*Bid) ([]byte, error) {
	recs := make([]storedBid, 0, len(bids))
	for _, carrier := range sortedBidders(bids) {
		bid := bids[carrier]
		recs = append(recs, storedBid{
			Carrier: carrier,
			Fee:     cloneAmount(bid.Fee).Bytes32(),
			Meta:    bid.Meta,
		})
	}
	return rlp.EncodeToBytes(recs)
}

// DecodeBids parses a bid set produced by EncodeBids.
func DecodeBids(data []byte) (map[PartyID]*Bid, error) {
	var recs []storedBid
	if err := rlp.DecodeBytes(data, &recs); err != nil {
		return nil, fmt.Errorf("market: decode bids: %w", err)
	}
	out := make(map[PartyID]*Bid, len(recs))
	for _, rec := range recs {
		out[rec.Carrier] = &Bid{Fee: new(uint256.Int).SetBytes32(rec.Fee[:]), Meta: rec.Meta}
	}
	return out, nil
}

// EncodeParticipant serialises a registry record.
func EncodeParticipant(p *Participant) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("market: nil participant")
	}
	return rlp.EncodeToBytes(&storedParticipant{Meta: p.Meta, EncryptionKey: p.EncryptionKey})
}

// DecodeParticipant parses a registry record produced by EncodeParticipant.
func DecodeParticipant(data []byte) (*Participant, error) {
	var rec storedParticipant
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("market: decode participant: %w", err)
	}
	return &Participant{Meta: rec.Meta, EncryptionKey: rec.EncryptionKey}, nil
}
