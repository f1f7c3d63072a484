package market

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"
)

// Snapshot is the public state of one market instance: the offer ledger, the
// outstanding carrier bids, the participant registries and the escrow treasury.
// It implements State and is the value passed into and returned from Apply.
type Snapshot struct {
	Version  uint64
	offers   map[[32]byte]*Offer
	bids     map[[32]byte]map[PartyID]*Bid
	sellers  map[PartyID]*Participant
	carriers map[PartyID]*Participant
	treasury *uint256.Int
}

// NewSnapshot returns an empty snapshot with a zero treasury.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		offers:   make(map[[32]byte]*Offer),
		bids:     make(map[[32]byte]map[PartyID]*Bid),
		sellers:  make(map[PartyID]*Participant),
		carriers: make(map[PartyID]*Participant),
		treasury: uint256.NewInt(0),
	}
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return NewSnapshot()
	}
	clone := NewSnapshot()
	clone.Version = s.Version
	for id, offer := range s.offers {
		clone.offers[id] = offer.Clone()
	}
	for id, set := range s.bids {
		copied := make(map[PartyID]*Bid, len(set))
		for carrier, bid := range set {
			copied[carrier] = bid.Clone()
		}
		clone.bids[id] = copied
	}
	for id, p := range s.sellers {
		clone.sellers[id] = p.Clone()
	}
	for id, p := range s.carriers {
		clone.carriers[id] = p.Clone()
	}
	clone.treasury = cloneAmount(s.treasury)
	return clone
}

func (s *Snapshot) OfferGet(id [32]byte) (*Offer, bool) {
	offer, ok := s.offers[id]
	if !ok {
		return nil, false
	}
	return offer.Clone(), true
}

func (s *Snapshot) OfferPut(o *Offer) error {
	sanitized, err := SanitizeOffer(o)
	if err != nil {
		return err
	}
	s.offers[sanitized.ID] = sanitized
	return nil
}

func (s *Snapshot) BidsGet(offerID [32]byte) map[PartyID]*Bid {
	set := s.bids[offerID]
	out := make(map[PartyID]*Bid, len(set))
	for carrier, bid := range set {
		out[carrier] = bid.Clone()
	}
	return out
}

func (s *Snapshot) BidPut(offerID [32]byte, carrier PartyID, bid *Bid) error {
	if bid == nil {
		return fmt.Errorf("market: nil bid")
	}
	set, ok := s.bids[offerID]
	if !ok {
		set = make(map[PartyID]*Bid)
		s.bids[offerID] = set
	}
	set[carrier] = bid.Clone()
	return nil
}

func (s *Snapshot) BidsClear(offerID [32]byte) error {
	delete(s.bids, offerID)
	return nil
}

func (s *Snapshot) SellerGet(id PartyID) (*Participant, bool) {
	p, ok := s.sellers[id]
	return p.Clone(), ok
}

func (s *Snapshot) SellerPut(id PartyID, p *Participant) error {
	if p == nil {
		return fmt.Errorf("market: nil seller")
	}
	s.sellers[id] = p.Clone()
	return nil
}

func (s *Snapshot) CarrierGet(id PartyID) (*Participant, bool) {
	p, ok := s.carriers[id]
	return p.Clone(), ok
}

func (s *Snapshot) CarrierPut(id PartyID, p *Participant) error {
	if p == nil {
		return fmt.Errorf("market: nil carrier")
	}
	s.carriers[id] = p.Clone()
	return nil
}

func (s *Snapshot) TreasuryBalance() *uint256.Int { return cloneAmount(s.treasury) }

func (s *Snapshot) TreasuryCredit(amount *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(s.treasury, cloneAmount(amount))
	if overflow {
		return fmt.Errorf("market: treasury overflow")
	}
	s.treasury = sum
	return nil
}

func (s *Snapshot) TreasuryDebit(amount *uint256.Int) error {
	diff, underflow := new(uint256.Int).SubOverflow(s.treasury, cloneAmount(amount))
	if underflow {
		return fmt.Errorf("market: treasury underflow")
	}
	s.treasury = diff
	return nil
}

// Offers returns copies of every offer ordered by id.
func (s *Snapshot) Offers() []*Offer {
	ids := make([][32]byte, 0, len(s.offers))
	for id := range s.offers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	out := make([]*Offer, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.offers[id].Clone())
	}
	return out
}

// Sellers returns the registered seller ids in ascending order.
func (s *Snapshot) Sellers() []PartyID { return sortedParticipants(s.sellers) }

// Carriers returns the registered carrier ids in ascending order.
func (s *Snapshot) Carriers() []PartyID { return sortedParticipants(s.carriers) }

// Treasury returns the escrow treasury balance.
func (s *Snapshot) Treasury() *uint256.Int { return s.TreasuryBalance() }

// CheckConservation verifies the treasury equals the sum of the funds locked
// by every offer that has not reached a terminal state.
func (s *Snapshot) CheckConservation() error {
	locked := uint256.NewInt(0)
	for _, offer := range s.offers {
		locked.Add(locked, LockedAmount(offer))
	}
	if !locked.Eq(s.treasury) {
		return fmt.Errorf("market: treasury %s does not match locked funds %s", s.treasury.Dec(), locked.Dec())
	}
	return nil
}

// Digest returns a BLAKE3 fingerprint of the snapshot contents. Two replicas
// that applied the same operations in the same order produce the same digest.
func (s *Snapshot) Digest() ([32]byte, error) {
	h := blake3.New(32, nil)
	writeLen := func(n int) {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(n))
		h.Write(buf[:])
	}
	writeBlob := func(b []byte) {
		writeLen(len(b))
		h.Write(b)
	}

	offers := s.Offers()
	writeLen(len(offers))
	for _, offer := range offers {
		enc, err := EncodeOffer(offer)
		if err != nil {
			return [32]byte{}, err
		}
		writeBlob(enc)
		enc, err = EncodeBids(s.bids[offer.ID])
		if err != nil {
			return [32]byte{}, err
		}
		writeBlob(enc)
	}
	for _, registry := range []map[PartyID]*Participant{s.sellers, s.carriers} {
		ids := sortedParticipants(registry)
		writeLen(len(ids))
		for _, id := range ids {
			enc, err := EncodeParticipant(registry[id])
			if err != nil {
				return [32]byte{}, err
			}
			h.Write(id[:])
			writeBlob(enc)
		}
	}
	balance := s.treasury.Bytes32()
	h.Write(balance[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

func sortedBidders(bids map[PartyID]*Bid) []PartyID {
	ids := make([]PartyID, 0, len(bids))
	for id := range bids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return ids
}

func sortedParticipants(registry map[PartyID]*Participant) []PartyID {
	ids := make([]PartyID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return ids
}
