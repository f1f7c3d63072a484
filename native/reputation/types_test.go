package reputation

import (
	"testing"

	"github.com/holiman/uint256"

	"dmarket/crypto"
	"dmarket/native/market"
)

func completedOffer(seller, carrier, buyer crypto.PartyID, price uint64) *market.Offer {
	item := market.Item{ID: [32]byte{byte(price)}, Price: uint256.NewInt(price)}
	return &market.Offer{
		ID:     market.ComputeOfferID(seller, item.ID, item.Price),
		Item:   item,
		Seller: seller,
		State:  market.OfferCompleted,
		Purchase: &market.PurchaseDetails{
			BuyerID:           buyer,
			SelectedCarrierID: carrier,
			CarrierFee:        uint256.NewInt(1),
		},
	}
}

func TestAggregateSkipsUnratedSlots(t *testing.T) {
	seller, carrier, buyer := testParty(0x10), testParty(0x20), testParty(0x30)

	first := completedOffer(seller, carrier, buyer, 10)
	first.SellerRatings = market.Ratings{4, 0}
	first.CarrierRatings = market.Ratings{5, 5}
	second := completedOffer(seller, carrier, buyer, 11)
	second.SellerRatings = market.Ratings{0, 2}
	unpurchased := &market.Offer{Seller: seller, SellerRatings: market.Ratings{9, 9}}

	scores := Aggregate([]*market.Offer{first, second, unpurchased, nil})
	if len(scores) != 2 {
		t.Fatalf("expected two rated participants, got %d", len(scores))
	}
	if scores[0].Subject != carrier || scores[0].Role != crypto.RoleCarrier || scores[0].Average() != 5 {
		t.Fatalf("unexpected top score %+v", scores[0])
	}
	if scores[1].Subject != seller || scores[1].Count != 2 || scores[1].Average() != 3 {
		t.Fatalf("unexpected seller score %+v", scores[1])
	}
}

func TestRankBreaksTiesByCount(t *testing.T) {
	a := Score{Subject: testParty(0x01), Role: crypto.RoleSeller, Sum: 8, Count: 2}
	b := Score{Subject: testParty(0x02), Role: crypto.RoleSeller, Sum: 12, Count: 3}
	c := Score{Subject: testParty(0x03), Role: crypto.RoleSeller, Sum: 5, Count: 1}
	ranked := Rank([]Score{a, b, c})
	if ranked[0].Subject != c.Subject || ranked[1].Subject != b.Subject || ranked[2].Subject != a.Subject {
		t.Fatalf("unexpected order %v", ranked)
	}
	if (Score{}).Average() != 0 {
		t.Fatalf("empty score must average zero")
	}
}
