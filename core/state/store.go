package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"dmarket/native/market"
	"dmarket/storage"
)

// DefaultMaxCommitRetries bounds how often Update re-runs an operation that
// lost a commit race.
const DefaultMaxCommitRetries = 8

var (
	// ErrConflict is returned when an operation kept losing commit races and
	// exhausted its retries.
	ErrConflict = errors.New("state: concurrent modification")

	errStale = errors.New("state: stale read")
)

// Store owns the committed market state. Operations run against a Tx and are
// committed atomically: either every staged write together with the treasury
// delta becomes visible and durable, or none does.
type Store struct {
	mu       sync.RWMutex
	snap     *market.Snapshot
	versions map[[32]byte]uint64
	db       storage.Database

	kvMu       sync.Mutex
	maxRetries int
}

// Open loads the committed state from db. An empty database yields an empty
// market with a zero treasury.
func Open(db storage.Database, maxRetries int) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("state: database required")
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxCommitRetries
	}
	if err := ensureSchemaVersion(db); err != nil {
		return nil, err
	}
	snap, err := load(db)
	if err != nil {
		return nil, err
	}
	return &Store{
		snap:       snap,
		versions:   make(map[[32]byte]uint64),
		db:         db,
		maxRetries: maxRetries,
	}, nil
}

// Update runs fn against a fresh transaction and commits its writes. When the
// commit detects that an offer read by fn changed concurrently, fn is run again
// on the new state. fn must therefore be free of side effects outside the Tx.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) (*Tx, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tx := newTx(s)
		if err := fn(tx); err != nil {
			return nil, err
		}
		err := s.commit(tx)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, errStale) {
			return nil, err
		}
	}
	return nil, ErrConflict
}

func (s *Store) commit(tx *Tx) error {
	if tx.empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, seen := range tx.reads {
		if s.versions[id] != seen {
			return errStale
		}
	}
	treasury := s.snap.TreasuryBalance()
	treasury, overflow := treasury.AddOverflow(treasury, tx.credit)
	if overflow {
		return fmt.Errorf("state: treasury overflow")
	}
	if treasury.Lt(tx.debit) {
		return fmt.Errorf("state: treasury underflow")
	}
	treasury.Sub(treasury, tx.debit)

	batch, err := s.batchFor(tx, treasury)
	if err != nil {
		return err
	}
	if err := s.db.Write(batch); err != nil {
		return fmt.Errorf("state: persist: %w", err)
	}

	for _, offer := range tx.offers {
		if err := s.snap.OfferPut(offer); err != nil {
			return err
		}
		s.versions[offer.ID]++
	}
	for id := range tx.dirty {
		if err := s.snap.BidsClear(id); err != nil {
			return err
		}
		for carrier, bid := range tx.bids[id] {
			if err := s.snap.BidPut(id, carrier, bid); err != nil {
				return err
			}
		}
		if _, written := tx.offers[id]; !written {
			s.versions[id]++
		}
	}
	for id, p := range tx.sellers {
		if err := s.snap.SellerPut(id, p); err != nil {
			return err
		}
	}
	for id, p := range tx.carriers {
		if err := s.snap.CarrierPut(id, p); err != nil {
			return err
		}
	}
	if err := s.snap.TreasuryCredit(tx.credit); err != nil {
		return err
	}
	if err := s.snap.TreasuryDebit(tx.debit); err != nil {
		return err
	}
	s.snap.Version++
	return nil
}

// Snapshot returns a deep copy of the committed state.
func (s *Store) Snapshot() *market.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone()
}

// Version returns the number of committed transactions.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Version
}

// Offer returns a copy of the committed offer.
func (s *Store) Offer(id [32]byte) (*market.Offer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.OfferGet(id)
}

// Bids returns the outstanding bids on an offer.
func (s *Store) Bids(offerID [32]byte) map[market.PartyID]*market.Bid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.BidsGet(offerID)
}

// Treasury returns the committed escrow balance.
func (s *Store) Treasury() *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.TreasuryBalance()
}

// KVPut stores value under key using RLP. It is used by bookkeeping that lives
// beside the market ledger, such as reputation scores.
func (s *Store) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	s.kvMu.Lock()
	defer s.kvMu.Unlock()
	return s.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed.
func (s *Store) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	s.kvMu.Lock()
	data, err := s.db.Get(kvKey(key))
	s.kvMu.Unlock()
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}
