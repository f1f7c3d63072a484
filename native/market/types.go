package market

import (
	"encoding/json"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"dmarket/crypto"
)

// PartyID aliases the derived participant identifier.
type PartyID = crypto.PartyID

// OfferState enumerates the lifecycle phases of an offer.
type OfferState uint8

const (
	OfferNew OfferState = iota
	OfferPurchased
	OfferPickedUp
	OfferInTransit
	OfferDelivered
	OfferDispute
	OfferCompleted
)

// Valid reports whether the state value is within the supported range.
func (s OfferState) Valid() bool {
	return s <= OfferCompleted
}

func (s OfferState) String() string {
	switch s {
	case OfferNew:
		return "New"
	case OfferPurchased:
		return "Purchased"
	case OfferPickedUp:
		return "PickedUp"
	case OfferInTransit:
		return "InTransit"
	case OfferDelivered:
		return "Delivered"
	case OfferDispute:
		return "Dispute"
	case OfferCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("OfferState(%d)", uint8(s))
	}
}

// Item is the good being listed. It is immutable once embedded in an offer.
type Item struct {
	ID    [32]byte
	Price *uint256.Int
	Meta  string
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	clone := i
	clone.Price = cloneAmount(i.Price)
	return clone
}

// SealedAddress holds the delivery address encrypted once for the selected
// carrier and once for the seller.
type SealedAddress struct {
	Carrier []byte
	Seller  []byte
}

func (s SealedAddress) clone() SealedAddress {
	return SealedAddress{
		Carrier: append([]byte(nil), s.Carrier...),
		Seller:  append([]byte(nil), s.Seller...),
	}
}

// PurchaseDetails is recorded when a buyer purchases an offer.
type PurchaseDetails struct {
	BuyerID           PartyID
	SelectedCarrierID PartyID
	CarrierFee        *uint256.Int
	DeliveryAddress   SealedAddress
}

// Clone returns a deep copy of the purchase details.
func (p *PurchaseDetails) Clone() *PurchaseDetails {
	if p == nil {
		return nil
	}
	return &PurchaseDetails{
		BuyerID:           p.BuyerID,
		SelectedCarrierID: p.SelectedCarrierID,
		CarrierFee:        cloneAmount(p.CarrierFee),
		DeliveryAddress:   p.DeliveryAddress.clone(),
	}
}

// Ratings holds the two rating slots of one participant. Zero means the slot
// has not been rated yet.
type Ratings [2]uint8

// Offer is a listed item together with its transactional lifecycle.
type Offer struct {
	ID             [32]byte
	Item           Item
	Seller         PartyID
	Meta           string
	State          OfferState
	DeliveryETA    uint64
	Purchase       *PurchaseDetails
	SellerRatings  Ratings
	CarrierRatings Ratings
	BuyerRatings   Ratings
}

// Clone returns a deep copy of the offer so callers can safely mutate the
// copy without affecting the stored instance.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Item = o.Item.Clone()
	clone.Purchase = o.Purchase.Clone()
	return &clone
}

// Bid is a carrier's delivery fee quote for an offer.
type Bid struct {
	Fee  *uint256.Int
	Meta string
}

// Clone returns a deep copy of the bid.
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	return &Bid{Fee: cloneAmount(b.Fee), Meta: b.Meta}
}

// Participant is the registry record kept for sellers and carriers.
type Participant struct {
	Meta          string
	EncryptionKey []byte
}

// Clone returns a deep copy of the participant record.
func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	return &Participant{Meta: p.Meta, EncryptionKey: append([]byte(nil), p.EncryptionKey...)}
}

// Coin is a deposit attached to a call: an amount of the asset identified by
// Color.
type Coin struct {
	Color [32]byte
	Value *uint256.Int
}

// Payout instructs the settlement collaborator to release Amount to Recipient.
type Payout struct {
	Recipient PartyID
	Role      crypto.Role
	Amount    *uint256.Int
}

// ComputeOfferID derives the offer identifier from the seller and the item's
// id and price. A seller cannot list the same item at the same price twice.
func ComputeOfferID(seller PartyID, itemID [32]byte, price *uint256.Int) [32]byte {
	priceBytes := cloneAmount(price).Bytes32()
	var id [32]byte
	copy(id[:], ethcrypto.Keccak256([]byte("dmarket:offer"), seller[:], itemID[:], priceBytes[:]))
	return id
}

// EscrowColor derives the asset color accepted as escrow deposit on a market
// instance.
func EscrowColor(token string, instance crypto.InstanceID) [32]byte {
	normalized := strings.ToUpper(strings.TrimSpace(token))
	var color [32]byte
	copy(color[:], ethcrypto.Keccak256([]byte("dmarket/escrow-token"), []byte(normalized), instance[:]))
	return color
}

// Deposit returns the amount each of buyer and carrier locks for the offer:
// the item price plus the selected carrier's fee.
func (o *Offer) Deposit() *uint256.Int {
	if o == nil || o.Purchase == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Add(cloneAmount(o.Item.Price), cloneAmount(o.Purchase.CarrierFee))
}

// LockedAmount reports the funds the offer currently holds in the treasury.
func LockedAmount(o *Offer) *uint256.Int {
	if o == nil {
		return uint256.NewInt(0)
	}
	switch o.State {
	case OfferPurchased:
		return o.Deposit()
	case OfferPickedUp, OfferInTransit, OfferDelivered, OfferDispute:
		return new(uint256.Int).Lsh(o.Deposit(), 1)
	default:
		return uint256.NewInt(0)
	}
}

// SanitizeOffer validates the offer and returns a normalised clone.
func SanitizeOffer(o *Offer) (*Offer, error) {
	if o == nil {
		return nil, fmt.Errorf("market: nil offer")
	}
	clone := o.Clone()
	if !clone.State.Valid() {
		return nil, fmt.Errorf("market: invalid offer state %d", clone.State)
	}
	if clone.Item.Price == nil || clone.Item.Price.IsZero() {
		return nil, fmt.Errorf("market: item price must be positive")
	}
	if (clone.State == OfferNew) != (clone.Purchase == nil) {
		return nil, fmt.Errorf("market: purchase details must be present iff offer is not New")
	}
	if clone.Purchase != nil && clone.Purchase.CarrierFee == nil {
		clone.Purchase.CarrierFee = uint256.NewInt(0)
	}
	if clone.ID != ComputeOfferID(clone.Seller, clone.Item.ID, clone.Item.Price) {
		return nil, fmt.Errorf("market: offer id does not match seller and item")
	}
	return clone, nil
}

// UserMeta is the decoded form of the participant metadata JSON.
type UserMeta struct {
	Name string `json:"name"`
}

// ParseUserMeta decodes participant metadata, falling back to "Unknown" for
// malformed input.
func ParseUserMeta(meta string) UserMeta {
	var parsed UserMeta
	if err := json.Unmarshal([]byte(meta), &parsed); err != nil || strings.TrimSpace(parsed.Name) == "" {
		return UserMeta{Name: "Unknown"}
	}
	return parsed
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(v)
}

// Party returns the identifier of the participant holding role on the offer.
// Carrier and buyer are zero until the offer is purchased.
func (o *Offer) Party(role crypto.Role) PartyID {
	if o == nil {
		return PartyID{}
	}
	switch role {
	case crypto.RoleSeller:
		return o.Seller
	case crypto.RoleCarrier:
		if o.Purchase != nil {
			return o.Purchase.SelectedCarrierID
		}
	case crypto.RoleBuyer:
		if o.Purchase != nil {
			return o.Purchase.BuyerID
		}
	}
	return PartyID{}
}
