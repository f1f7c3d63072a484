package state

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"dmarket/native/market"
)

// Tx stages the writes of one market operation against the committed state.
// It implements market.State. Reads of offers and bid sets record the version
// observed so Commit can reject the transaction if another writer touched the
// same offer in the meantime.
type Tx struct {
	ID    uuid.UUID
	store *Store

	reads    map[[32]byte]uint64
	offers   map[[32]byte]*market.Offer
	bids     map[[32]byte]map[market.PartyID]*market.Bid
	dirty    map[[32]byte]bool
	sellers  map[market.PartyID]*market.Participant
	carriers map[market.PartyID]*market.Participant
	credit   *uint256.Int
	debit    *uint256.Int
}

func newTx(store *Store) *Tx {
	return &Tx{
		ID:       uuid.New(),
		store:    store,
		reads:    make(map[[32]byte]uint64),
		offers:   make(map[[32]byte]*market.Offer),
		bids:     make(map[[32]byte]map[market.PartyID]*market.Bid),
		dirty:    make(map[[32]byte]bool),
		sellers:  make(map[market.PartyID]*market.Participant),
		carriers: make(map[market.PartyID]*market.Participant),
		credit:   uint256.NewInt(0),
		debit:    uint256.NewInt(0),
	}
}

func (tx *Tx) observe(id [32]byte) {
	if _, ok := tx.reads[id]; ok {
		return
	}
	tx.reads[id] = tx.store.versions[id]
}

func (tx *Tx) OfferGet(id [32]byte) (*market.Offer, bool) {
	if staged, ok := tx.offers[id]; ok {
		return staged.Clone(), true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	tx.observe(id)
	return tx.store.snap.OfferGet(id)
}

func (tx *Tx) OfferPut(o *market.Offer) error {
	sanitized, err := market.SanitizeOffer(o)
	if err != nil {
		return err
	}
	tx.offers[sanitized.ID] = sanitized
	return nil
}

func (tx *Tx) loadBids(offerID [32]byte) map[market.PartyID]*market.Bid {
	if staged, ok := tx.bids[offerID]; ok {
		return staged
	}
	tx.store.mu.RLock()
	tx.observe(offerID)
	set := tx.store.snap.BidsGet(offerID)
	tx.store.mu.RUnlock()
	tx.bids[offerID] = set
	return set
}

func (tx *Tx) BidsGet(offerID [32]byte) map[market.PartyID]*market.Bid {
	set := tx.loadBids(offerID)
	out := make(map[market.PartyID]*market.Bid, len(set))
	for carrier, bid := range set {
		out[carrier] = bid.Clone()
	}
	return out
}

func (tx *Tx) BidPut(offerID [32]byte, carrier market.PartyID, bid *market.Bid) error {
	if bid == nil {
		return fmt.Errorf("state: nil bid")
	}
	tx.loadBids(offerID)[carrier] = bid.Clone()
	tx.dirty[offerID] = true
	return nil
}

func (tx *Tx) BidsClear(offerID [32]byte) error {
	tx.store.mu.RLock()
	tx.observe(offerID)
	tx.store.mu.RUnlock()
	tx.bids[offerID] = make(map[market.PartyID]*market.Bid)
	tx.dirty[offerID] = true
	return nil
}

func (tx *Tx) SellerGet(id market.PartyID) (*market.Participant, bool) {
	if staged, ok := tx.sellers[id]; ok {
		return staged.Clone(), true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.store.snap.SellerGet(id)
}

func (tx *Tx) SellerPut(id market.PartyID, p *market.Participant) error {
	if p == nil {
		return fmt.Errorf("state: nil seller")
	}
	tx.sellers[id] = p.Clone()
	return nil
}

func (tx *Tx) CarrierGet(id market.PartyID) (*market.Participant, bool) {
	if staged, ok := tx.carriers[id]; ok {
		return staged.Clone(), true
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.store.snap.CarrierGet(id)
}

func (tx *Tx) CarrierPut(id market.PartyID, p *market.Participant) error {
	if p == nil {
		return fmt.Errorf("state: nil carrier")
	}
	tx.carriers[id] = p.Clone()
	return nil
}

// TreasuryBalance returns the committed balance adjusted by the staged
// credits and debits.
func (tx *Tx) TreasuryBalance() *uint256.Int {
	tx.store.mu.RLock()
	base := tx.store.snap.TreasuryBalance()
	tx.store.mu.RUnlock()
	base.Add(base, tx.credit)
	if base.Lt(tx.debit) {
		return uint256.NewInt(0)
	}
	return base.Sub(base, tx.debit)
}

func (tx *Tx) TreasuryCredit(amount *uint256.Int) error {
	if amount == nil {
		return nil
	}
	sum, overflow := new(uint256.Int).AddOverflow(tx.credit, amount)
	if overflow {
		return fmt.Errorf("state: treasury overflow")
	}
	tx.credit = sum
	return nil
}

func (tx *Tx) TreasuryDebit(amount *uint256.Int) error {
	if amount == nil {
		return nil
	}
	if tx.TreasuryBalance().Lt(amount) {
		return fmt.Errorf("state: treasury underflow")
	}
	tx.debit = new(uint256.Int).Add(tx.debit, amount)
	return nil
}

// empty reports whether the transaction staged no writes.
func (tx *Tx) empty() bool {
	return len(tx.offers) == 0 && len(tx.dirty) == 0 && len(tx.sellers) == 0 &&
		len(tx.carriers) == 0 && tx.credit.IsZero() && tx.debit.IsZero()
}
