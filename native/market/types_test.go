package market

import (
	"testing"

	"github.com/holiman/uint256"
)

func purchasedOffer() *Offer {
	var seller, buyer, carrier PartyID
	seller[0], buyer[0], carrier[0] = 1, 2, 3
	item := testItem(0x09, 50)
	return &Offer{
		ID:     ComputeOfferID(seller, item.ID, item.Price),
		Item:   item,
		Seller: seller,
		State:  OfferPurchased,
		Purchase: &PurchaseDetails{
			BuyerID:           buyer,
			SelectedCarrierID: carrier,
			CarrierFee:        uint256.NewInt(10),
			DeliveryAddress:   SealedAddress{Carrier: []byte{0xAA}, Seller: []byte{0xBB}},
		},
		SellerRatings: Ratings{0, 9},
	}
}

func TestLockedAmountPerState(t *testing.T) {
	offer := purchasedOffer()
	cases := map[OfferState]uint64{
		OfferPurchased: 60,
		OfferPickedUp:  120,
		OfferInTransit: 120,
		OfferDelivered: 120,
		OfferDispute:   120,
		OfferCompleted: 0,
	}
	for state, want := range cases {
		offer.State = state
		if got := LockedAmount(offer); got.Uint64() != want {
			t.Fatalf("%s: expected %d locked, got %s", state, want, got.Dec())
		}
	}
	if !LockedAmount(nil).IsZero() {
		t.Fatalf("nil offer locks nothing")
	}
}

func TestSanitizeOfferRejectsInconsistentRecords(t *testing.T) {
	offer := purchasedOffer()
	if _, err := SanitizeOffer(offer); err != nil {
		t.Fatalf("valid offer rejected: %v", err)
	}

	tampered := offer.Clone()
	tampered.Item.Price = uint256.NewInt(51)
	if _, err := SanitizeOffer(tampered); err == nil {
		t.Fatalf("expected id mismatch to be rejected")
	}

	noPurchase := offer.Clone()
	noPurchase.Purchase = nil
	if _, err := SanitizeOffer(noPurchase); err == nil {
		t.Fatalf("expected missing purchase details to be rejected")
	}

	badState := offer.Clone()
	badState.State = OfferState(42)
	if _, err := SanitizeOffer(badState); err == nil {
		t.Fatalf("expected unknown state to be rejected")
	}
}

func TestOfferCodecPreservesPurchase(t *testing.T) {
	offer := purchasedOffer()
	offer.DeliveryETA = 77
	enc, err := EncodeOffer(offer)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeOffer(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != offer.ID || decoded.State != OfferPurchased || decoded.DeliveryETA != 77 {
		t.Fatalf("unexpected decoded offer %+v", decoded)
	}
	if decoded.Purchase == nil || decoded.Purchase.CarrierFee.Uint64() != 10 {
		t.Fatalf("purchase details lost")
	}
	if string(decoded.Purchase.DeliveryAddress.Seller) != "\xBB" {
		t.Fatalf("sealed address lost")
	}
	if decoded.SellerRatings != offer.SellerRatings {
		t.Fatalf("ratings lost")
	}

	if _, err := DecodeOffer([]byte{0x01, 0x02}); err == nil {
		t.Fatalf("expected garbage to fail decoding")
	}
}

func TestParseUserMeta(t *testing.T) {
	if got := ParseUserMeta(`{"name":"Ada"}`).Name; got != "Ada" {
		t.Fatalf("unexpected name %q", got)
	}
	for _, raw := range []string{"", "not json", `{"name":"  "}`} {
		if got := ParseUserMeta(raw).Name; got != "Unknown" {
			t.Fatalf("%q: expected fallback, got %q", raw, got)
		}
	}
}

func TestEscrowColorNormalizesToken(t *testing.T) {
	instance := testInstance()
	if EscrowColor("dmkt ", instance) != EscrowColor("DMKT", instance) {
		t.Fatalf("expected token normalization")
	}
	var other [32]byte
	other[0] = 1
	if EscrowColor("DMKT", instance) == EscrowColor("DMKT", other) {
		t.Fatalf("color must depend on the instance")
	}
}
