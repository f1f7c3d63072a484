package market

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"dmarket/core/events"
	"dmarket/core/types"
	"dmarket/crypto"
)

var errNilState = errors.New("market engine: state not configured")

// State is the subset of ledger functionality the engine reads and mutates.
// Implementations must stage writes so that a failed operation leaves no
// partial effect; Snapshot and the versioned store transaction both do.
type State interface {
	OfferGet(id [32]byte) (*Offer, bool)
	OfferPut(*Offer) error
	BidsGet(offerID [32]byte) map[PartyID]*Bid
	BidPut(offerID [32]byte, carrier PartyID, bid *Bid) error
	BidsClear(offerID [32]byte) error
	SellerGet(id PartyID) (*Participant, bool)
	SellerPut(id PartyID, p *Participant) error
	CarrierGet(id PartyID) (*Participant, bool)
	CarrierPut(id PartyID, p *Participant) error
	TreasuryBalance() *uint256.Int
	TreasuryCredit(amount *uint256.Int) error
	TreasuryDebit(amount *uint256.Int) error
}

// Caller is the authenticated context of one operation: the identifiers the
// caller holds in each role, the public key others seal data to, and the
// private state used only to open the delivery address.
type Caller struct {
	crypto.Identities
	EncryptionKey []byte
	PrivateState  *crypto.PrivateState
}

// NewCaller derives the caller context for ps on the given market instance.
func NewCaller(ps *crypto.PrivateState, instance crypto.InstanceID) Caller {
	return Caller{
		Identities:    ps.Identities(instance),
		EncryptionKey: ps.PublicKey(),
		PrivateState:  ps,
	}
}

// Engine applies the offer lifecycle rules against an injected State. The
// engine itself is stateless apart from its configuration, so one instance can
// be rebound to a fresh state per operation with WithState.
type Engine struct {
	state    State
	emitter  events.Emitter
	instance crypto.InstanceID
	color    [32]byte
}

// NewEngine creates an engine for a market instance whose escrow deposits must
// be made in token.
func NewEngine(instance crypto.InstanceID, token string) *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		instance: instance,
		color:    EscrowColor(token, instance),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state State) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// WithState returns a copy of the engine bound to state and emitter.
func (e *Engine) WithState(state State, emitter events.Emitter) *Engine {
	clone := *e
	clone.state = state
	clone.SetEmitter(emitter)
	return &clone
}

// Instance returns the market instance the engine serves.
func (e *Engine) Instance() crypto.InstanceID { return e.instance }

// EscrowColor returns the asset color accepted for deposits.
func (e *Engine) EscrowColor() [32]byte { return e.color }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) loadOffer(id [32]byte) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	offer, ok := e.state.OfferGet(id)
	if !ok {
		return nil, errOfferNotFound()
	}
	return offer, nil
}

func (e *Engine) loadOfferIn(id [32]byte, op string, required OfferState) (*Offer, error) {
	offer, err := e.loadOffer(id)
	if err != nil {
		return nil, err
	}
	if offer.State != required {
		return nil, errState(op, required, offer.State)
	}
	return offer, nil
}

func (e *Engine) checkDeposit(deposit Coin, expected *uint256.Int) error {
	if deposit.Color != e.color {
		return newError(ErrInvalidDeposit, msgWrongCoinColor)
	}
	if deposit.Value == nil || !deposit.Value.Eq(expected) {
		got := "0"
		if deposit.Value != nil {
			got = deposit.Value.Dec()
		}
		return newError(ErrInvalidDeposit, "Deposit of %s does not match the required %s", got, expected.Dec())
	}
	return nil
}

// OfferItem lists item on behalf of the caller, who becomes the seller. The
// seller registry entry is created or refreshed with sellerMeta and the
// caller's encryption key.
func (e *Engine) OfferItem(caller Caller, item Item, sellerMeta, offerMeta string) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if item.Price == nil || item.Price.IsZero() {
		return nil, newError(ErrInvalidDeposit, "Item price must be greater than 0")
	}
	id := ComputeOfferID(caller.Seller, item.ID, item.Price)
	if _, exists := e.state.OfferGet(id); exists {
		return nil, newError(ErrAlreadyExists, msgOfferAlreadyExists)
	}
	offer := &Offer{
		ID:     id,
		Item:   item.Clone(),
		Seller: caller.Seller,
		Meta:   offerMeta,
		State:  OfferNew,
	}
	if err := e.state.SellerPut(caller.Seller, &Participant{Meta: sellerMeta, EncryptionKey: caller.EncryptionKey}); err != nil {
		return nil, err
	}
	if err := e.state.OfferPut(offer); err != nil {
		return nil, err
	}
	e.emit(NewOfferEvent(EventTypeOfferCreated, offer))
	return offer.Clone(), nil
}

// SetCarrierBid records or replaces the caller's delivery fee quote for an
// offer that has not been purchased yet.
func (e *Engine) SetCarrierBid(caller Caller, offerID [32]byte, fee *uint256.Int, carrierMeta string) error {
	offer, err := e.loadOfferIn(offerID, "Bidding", OfferNew)
	if err != nil {
		return err
	}
	if caller.Seller == offer.Seller {
		return newError(ErrUnauthorized, "The seller cannot bid on its own offer")
	}
	bid := &Bid{Fee: cloneAmount(fee), Meta: carrierMeta}
	if err := e.state.CarrierPut(caller.Carrier, &Participant{Meta: carrierMeta, EncryptionKey: caller.EncryptionKey}); err != nil {
		return err
	}
	if err := e.state.BidPut(offerID, caller.Carrier, bid); err != nil {
		return err
	}
	e.emit(NewBidEvent(offerID, caller.Carrier, bid.Fee))
	return nil
}

// PurchaseItem locks the buyer's deposit of price plus the selected carrier's
// fee, seals the delivery address for the seller and the carrier and discards
// every outstanding bid on the offer.
func (e *Engine) PurchaseItem(caller Caller, offerID [32]byte, carrierID PartyID, deposit Coin, deliveryAddress string) (*Offer, error) {
	offer, err := e.loadOfferIn(offerID, "Purchase", OfferNew)
	if err != nil {
		return nil, err
	}
	if caller.Seller == offer.Seller {
		return nil, newError(ErrUnauthorized, "The seller cannot purchase its own item")
	}
	bids := e.state.BidsGet(offerID)
	if len(bids) == 0 {
		return nil, newError(ErrNotFound, msgNoCarriers)
	}
	bid, ok := bids[carrierID]
	if !ok {
		return nil, newError(ErrNotFound, msgCarrierNotBidder)
	}
	if caller.Carrier == carrierID {
		return nil, newError(ErrUnauthorized, "The selected carrier cannot purchase the item")
	}
	expected, overflow := new(uint256.Int).AddOverflow(offer.Item.Price, cloneAmount(bid.Fee))
	if overflow {
		return nil, newError(ErrInvalidDeposit, "Item price plus carrier fee overflows")
	}
	if err := e.checkDeposit(deposit, expected); err != nil {
		return nil, err
	}
	sealed, err := e.sealAddress(offer.Seller, carrierID, deliveryAddress)
	if err != nil {
		return nil, err
	}
	if err := e.state.TreasuryCredit(expected); err != nil {
		return nil, err
	}
	offer.Purchase = &PurchaseDetails{
		BuyerID:           caller.Buyer,
		SelectedCarrierID: carrierID,
		CarrierFee:        cloneAmount(bid.Fee),
		DeliveryAddress:   sealed,
	}
	offer.State = OfferPurchased
	if err := e.state.OfferPut(offer); err != nil {
		return nil, err
	}
	if err := e.state.BidsClear(offerID); err != nil {
		return nil, err
	}
	e.emit(NewOfferEvent(EventTypeOfferPurchased, offer))
	return offer.Clone(), nil
}

func (e *Engine) sealAddress(seller, carrier PartyID, address string) (SealedAddress, error) {
	carrierRec, ok := e.state.CarrierGet(carrier)
	if !ok || len(carrierRec.EncryptionKey) == 0 {
		return SealedAddress{}, newError(ErrNotFound, "Carrier encryption key not registered")
	}
	sellerRec, ok := e.state.SellerGet(seller)
	if !ok || len(sellerRec.EncryptionKey) == 0 {
		return SealedAddress{}, newError(ErrNotFound, "Seller encryption key not registered")
	}
	forCarrier, err := crypto.SealTo(carrierRec.EncryptionKey, []byte(address))
	if err != nil {
		return SealedAddress{}, fmt.Errorf("market: seal delivery address for carrier: %w", err)
	}
	forSeller, err := crypto.SealTo(sellerRec.EncryptionKey, []byte(address))
	if err != nil {
		return SealedAddress{}, fmt.Errorf("market: seal delivery address for seller: %w", err)
	}
	return SealedAddress{Carrier: forCarrier, Seller: forSeller}, nil
}

// ItemPickedUp records that the selected carrier collected the item. The
// carrier posts a deposit equal to the buyer's and may set an initial ETA.
func (e *Engine) ItemPickedUp(caller Caller, offerID [32]byte, deposit Coin, eta *uint64) (*Offer, error) {
	offer, err := e.loadOfferIn(offerID, "Pick up", OfferPurchased)
	if err != nil {
		return nil, err
	}
	if caller.Carrier != offer.Purchase.SelectedCarrierID {
		return nil, newError(ErrUnauthorized, "Only the selected carrier can pick this item up for delivery")
	}
	expected := offer.Deposit()
	if err := e.checkDeposit(deposit, expected); err != nil {
		return nil, err
	}
	if err := e.state.TreasuryCredit(expected); err != nil {
		return nil, err
	}
	offer.State = OfferPickedUp
	if eta != nil {
		offer.DeliveryETA = *eta
	}
	if err := e.state.OfferPut(offer); err != nil {
		return nil, err
	}
	e.emit(NewOfferEvent(EventTypeOfferPickedUp, offer))
	return offer.Clone(), nil
}

// ConfirmItemInTransit is the seller's acknowledgement that the carrier has
// the item.
func (e *Engine) ConfirmItemInTransit(caller Caller, offerID [32]byte) (*Offer, error) {
	offer, err := e.loadOfferIn(offerID, "Transit confirmation", OfferPickedUp)
	if err != nil {
		return nil, err
	}
	if caller.Seller != offer.Seller {
		return nil, newError(ErrUnauthorized, "Only the seller can confirm the item has been picked up for delivery")
	}
	return e.transition(offer, OfferInTransit, EventTypeOfferInTransit)
}

// SetOfferETA refreshes the advisory delivery estimate while in transit.
func (e *Engine) SetOfferETA(caller Caller, offerID [32]byte, eta uint64) (*Offer, error) {
	offer, err := e.loadOfferIn(offerID, "Setting the ETA", OfferInTransit)
	if err != nil {
		return nil, err
	}
	if caller.Carrier != offer.Purchase.SelectedCarrierID {
		return nil, newError(ErrUnauthorized, "Only the carrier selected for an offer can set its delivery ETA")
	}
	offer.DeliveryETA = eta
	return e.transition(offer, OfferInTransit, EventTypeOfferETAUpdated)
}

// Delivered marks the item as handed over to the buyer.
func (e *Engine) Delivered(caller Caller, offerID [32]byte) (*Offer, error) {
	offer, err := e.loadOfferIn(offerID, "Delivery", OfferInTransit)
	if err != nil {
		return nil, err
	}
	if caller.Carrier != offer.Purchase.SelectedCarrierID {
		return nil, newError(ErrUnauthorized, "Only the carrier can set the item as delivered")
	}
	return e.transition(offer, OfferDelivered, EventTypeOfferDelivered)
}

// ConfirmDelivered completes the offer and releases the escrow: the item
// price to the seller, the fee plus its deposit back to the carrier.
func (e *Engine) ConfirmDelivered(caller Caller, offerID [32]byte) (*Offer, []Payout, error) {
	offer, err := e.loadOfferIn(offerID, "Delivery confirmation", OfferDelivered)
	if err != nil {
		return nil, nil, err
	}
	if caller.Buyer != offer.Purchase.BuyerID {
		return nil, nil, newError(ErrUnauthorized, "Only the buyer can confirm the item has been delivered")
	}
	deposit := offer.Deposit()
	payouts := []Payout{
		{Recipient: offer.Seller, Role: crypto.RoleSeller, Amount: cloneAmount(offer.Item.Price)},
		{Recipient: offer.Purchase.SelectedCarrierID, Role: crypto.RoleCarrier, Amount: new(uint256.Int).Add(cloneAmount(offer.Purchase.CarrierFee), deposit)},
	}
	return e.settle(offer, payouts, EventTypeOfferCompleted)
}

// DisputeItem lets the buyer contest a delivered item.
func (e *Engine) DisputeItem(caller Caller, offerID [32]byte) (*Offer, error) {
	offer, err := e.loadOfferIn(offerID, "Opening a dispute", OfferDelivered)
	if err != nil {
		return nil, err
	}
	if caller.Buyer != offer.Purchase.BuyerID {
		return nil, newError(ErrUnauthorized, "Only the buyer can open a dispute on the item")
	}
	return e.transition(offer, OfferDispute, EventTypeOfferDisputed)
}

// ResolveDispute closes a dispute with a full refund: the buyer gets its
// purchase deposit back and the carrier gets its posted deposit back. The
// seller receives nothing.
func (e *Engine) ResolveDispute(caller Caller, offerID [32]byte) (*Offer, []Payout, error) {
	offer, err := e.loadOfferIn(offerID, "Resolving a dispute", OfferDispute)
	if err != nil {
		return nil, nil, err
	}
	if caller.Seller != offer.Seller {
		return nil, nil, newError(ErrUnauthorized, "Only the seller can resolve a dispute")
	}
	payouts := []Payout{
		{Recipient: offer.Purchase.BuyerID, Role: crypto.RoleBuyer, Amount: offer.Deposit()},
		{Recipient: offer.Purchase.SelectedCarrierID, Role: crypto.RoleCarrier, Amount: offer.Deposit()},
	}
	return e.settle(offer, payouts, EventTypeDisputeResolved)
}

func (e *Engine) transition(offer *Offer, next OfferState, eventType string) (*Offer, error) {
	offer.State = next
	if err := e.state.OfferPut(offer); err != nil {
		return nil, err
	}
	e.emit(NewOfferEvent(eventType, offer))
	return offer.Clone(), nil
}

func (e *Engine) settle(offer *Offer, payouts []Payout, eventType string) (*Offer, []Payout, error) {
	total := uint256.NewInt(0)
	for _, p := range payouts {
		total.Add(total, p.Amount)
	}
	if !total.Eq(LockedAmount(offer)) {
		return nil, nil, fmt.Errorf("market: payouts %s do not match locked funds %s", total.Dec(), LockedAmount(offer).Dec())
	}
	if err := e.state.TreasuryDebit(total); err != nil {
		return nil, nil, err
	}
	offer.State = OfferCompleted
	if err := e.state.OfferPut(offer); err != nil {
		return nil, nil, err
	}
	e.emit(NewOfferEvent(eventType, offer))
	for _, p := range payouts {
		e.emit(NewPayoutEvent(offer.ID, p))
	}
	return offer.Clone(), payouts, nil
}

// DeliveryAddress opens the sealed delivery address with the caller's private
// state. Only the seller and the selected carrier of the offer hold a key that
// opens one of the two slots.
func (e *Engine) DeliveryAddress(caller Caller, offerID [32]byte) (string, error) {
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return "", err
	}
	if offer.Purchase == nil {
		return "", newError(ErrInvalidStateTransition, "Offer has not been purchased")
	}
	if caller.PrivateState == nil {
		return "", newError(ErrDecryptionFailed, "Delivery address is not readable by the caller")
	}
	for _, sealed := range [][]byte{offer.Purchase.DeliveryAddress.Carrier, offer.Purchase.DeliveryAddress.Seller} {
		plain, err := caller.PrivateState.Open(sealed)
		if err == nil {
			return string(plain), nil
		}
	}
	return "", newError(ErrDecryptionFailed, "Delivery address is not readable by the caller")
}

// Apply runs one operation against a copy of snap and returns the resulting
// snapshot with its version advanced. On failure snap is returned unchanged
// together with the error.
func Apply(snap *Snapshot, engine *Engine, emitter events.Emitter, op func(*Engine) error) (*Snapshot, error) {
	next := snap.Clone()
	buffer := &events.Buffer{}
	if err := op(engine.WithState(next, buffer)); err != nil {
		return snap, err
	}
	next.Version++
	buffer.Flush(emitter)
	return next, nil
}
