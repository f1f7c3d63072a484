package state

import (
	"errors"
	"fmt"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"dmarket/native/market"
	"dmarket/storage"
)

var (
	offerPrefix     = []byte("market/offer/")
	bidsPrefix      = []byte("market/bids/")
	sellerPrefix    = []byte("market/seller/")
	carrierPrefix   = []byte("market/carrier/")
	offerIndexKey   = []byte("market/index/offers")
	sellerIndexKey  = []byte("market/index/sellers")
	carrierIndexKey = []byte("market/index/carriers")
	treasuryKey     = []byte("market/treasury")
	versionKey      = []byte("market/version")
	kvPrefix        = []byte("kv/")
)

func prefixed(prefix []byte, id [32]byte) []byte {
	buf := make([]byte, len(prefix)+len(id))
	copy(buf, prefix)
	copy(buf[len(prefix):], id[:])
	return buf
}

func kvKey(key []byte) []byte {
	return append(append([]byte(nil), kvPrefix...), ethcrypto.Keccak256(key)...)
}

// batchFor encodes the staged writes of tx plus the resulting treasury balance.
// The caller holds s.mu.
func (s *Store) batchFor(tx *Tx, treasury *uint256.Int) (*storage.Batch, error) {
	batch := new(storage.Batch)

	var newOffers [][32]byte
	for id, offer := range tx.offers {
		if _, exists := s.snap.OfferGet(id); !exists {
			newOffers = append(newOffers, id)
		}
		enc, err := market.EncodeOffer(offer)
		if err != nil {
			return nil, err
		}
		batch.Put(prefixed(offerPrefix, id), enc)
	}
	if len(newOffers) > 0 {
		if err := s.appendIndex(batch, offerIndexKey, s.offerIDs(), newOffers); err != nil {
			return nil, err
		}
	}

	for id := range tx.dirty {
		set := tx.bids[id]
		if len(set) == 0 {
			batch.Delete(prefixed(bidsPrefix, id))
			continue
		}
		enc, err := market.EncodeBids(set)
		if err != nil {
			return nil, err
		}
		batch.Put(prefixed(bidsPrefix, id), enc)
	}

	registries := []struct {
		prefix  []byte
		index   []byte
		staged  map[market.PartyID]*market.Participant
		current func(market.PartyID) (*market.Participant, bool)
		known   func() [][32]byte
	}{
		{sellerPrefix, sellerIndexKey, tx.sellers, s.snap.SellerGet, s.sellerIDs},
		{carrierPrefix, carrierIndexKey, tx.carriers, s.snap.CarrierGet, s.carrierIDs},
	}
	for _, reg := range registries {
		var added [][32]byte
		for id, p := range reg.staged {
			if _, exists := reg.current(id); !exists {
				added = append(added, id)
			}
			enc, err := market.EncodeParticipant(p)
			if err != nil {
				return nil, err
			}
			batch.Put(prefixed(reg.prefix, id), enc)
		}
		if len(added) > 0 {
			if err := s.appendIndex(batch, reg.index, reg.known(), added); err != nil {
				return nil, err
			}
		}
	}

	balance := treasury.Bytes32()
	batch.Put(treasuryKey, balance[:])
	version, err := rlp.EncodeToBytes(s.snap.Version + 1)
	if err != nil {
		return nil, err
	}
	batch.Put(versionKey, version)
	return batch, nil
}

func (s *Store) appendIndex(batch *storage.Batch, key []byte, existing, added [][32]byte) error {
	all := append(existing, added...)
	sort.Slice(all, func(i, j int) bool { return string(all[i][:]) < string(all[j][:]) })
	enc, err := rlp.EncodeToBytes(all)
	if err != nil {
		return err
	}
	batch.Put(key, enc)
	return nil
}

func (s *Store) offerIDs() [][32]byte {
	offers := s.snap.Offers()
	ids := make([][32]byte, 0, len(offers))
	for _, offer := range offers {
		ids = append(ids, offer.ID)
	}
	return ids
}

func (s *Store) sellerIDs() [][32]byte  { return partyIDs(s.snap.Sellers()) }
func (s *Store) carrierIDs() [][32]byte { return partyIDs(s.snap.Carriers()) }

func partyIDs(ids []market.PartyID) [][32]byte {
	out := make([][32]byte, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}

func readIndex(db storage.Database, key []byte) ([][32]byte, error) {
	data, err := db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids [][32]byte
	if err := rlp.DecodeBytes(data, &ids); err != nil {
		return nil, fmt.Errorf("state: decode index %s: %w", key, err)
	}
	return ids, nil
}

// load rebuilds the committed snapshot from db.
func load(db storage.Database) (*market.Snapshot, error) {
	snap := market.NewSnapshot()

	offers, err := readIndex(db, offerIndexKey)
	if err != nil {
		return nil, err
	}
	for _, id := range offers {
		data, err := db.Get(prefixed(offerPrefix, id))
		if err != nil {
			return nil, fmt.Errorf("state: load offer %x: %w", id, err)
		}
		offer, err := market.DecodeOffer(data)
		if err != nil {
			return nil, err
		}
		if err := snap.OfferPut(offer); err != nil {
			return nil, err
		}
		data, err = db.Get(prefixed(bidsPrefix, id))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		bids, err := market.DecodeBids(data)
		if err != nil {
			return nil, err
		}
		for carrier, bid := range bids {
			if err := snap.BidPut(id, carrier, bid); err != nil {
				return nil, err
			}
		}
	}

	for _, reg := range []struct {
		index  []byte
		prefix []byte
		put    func(market.PartyID, *market.Participant) error
	}{
		{sellerIndexKey, sellerPrefix, snap.SellerPut},
		{carrierIndexKey, carrierPrefix, snap.CarrierPut},
	} {
		ids, err := readIndex(db, reg.index)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			data, err := db.Get(prefixed(reg.prefix, id))
			if err != nil {
				return nil, fmt.Errorf("state: load participant %x: %w", id, err)
			}
			p, err := market.DecodeParticipant(data)
			if err != nil {
				return nil, err
			}
			if err := reg.put(id, p); err != nil {
				return nil, err
			}
		}
	}

	data, err := db.Get(treasuryKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if err := snap.TreasuryCredit(new(uint256.Int).SetBytes(data)); err != nil {
			return nil, err
		}
	}

	data, err = db.Get(versionKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if err := rlp.DecodeBytes(data, &snap.Version); err != nil {
			return nil, fmt.Errorf("state: decode version: %w", err)
		}
	}

	if err := snap.CheckConservation(); err != nil {
		return nil, fmt.Errorf("state: stored ledger is inconsistent: %w", err)
	}
	return snap, nil
}
