package reputation

import (
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"

	"dmarket/core/events"
	"dmarket/crypto"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (m *memoryStore) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = encoded
	return nil
}

func (m *memoryStore) KVGet(key []byte, out interface{}) (bool, error) {
	m.mu.Lock()
	encoded, ok := m.data[string(key)]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, err
	}
	return true, nil
}

func testParty(fill byte) crypto.PartyID {
	var id crypto.PartyID
	for i := range id {
		id[i] = fill
	}
	return id
}

func TestLedgerRecordAndGet(t *testing.T) {
	ledger := NewLedger(newMemoryStore())
	subject := testParty(0x01)

	if _, err := ledger.Get(subject, crypto.RoleSeller); !errors.Is(err, ErrScoreNotFound) {
		t.Fatalf("expected missing score, got %v", err)
	}
	if _, err := ledger.Record(Rating{OfferID: [32]byte{1}, Subject: subject, Ratee: crypto.RoleSeller, Rater: crypto.RoleBuyer, Value: 4}); err != nil {
		t.Fatalf("record #1: %v", err)
	}
	score, err := ledger.Record(Rating{OfferID: [32]byte{2}, Subject: subject, Ratee: crypto.RoleSeller, Rater: crypto.RoleBuyer, Value: 2})
	if err != nil {
		t.Fatalf("record #2: %v", err)
	}
	if score.Count != 2 || score.Average() != 3 {
		t.Fatalf("unexpected score %+v", score)
	}

	stored, err := ledger.Get(subject, crypto.RoleSeller)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Sum != 6 || stored.Count != 2 {
		t.Fatalf("unexpected stored score %+v", stored)
	}
	if _, err := ledger.Get(subject, crypto.RoleCarrier); !errors.Is(err, ErrScoreNotFound) {
		t.Fatalf("scores must be kept per role")
	}
}

func TestLedgerRecordConcurrentRatings(t *testing.T) {
	ledger := NewLedger(newMemoryStore())
	subject := testParty(0x04)
	const raters = 200

	var wg sync.WaitGroup
	errs := make(chan error, raters)
	for i := 0; i < raters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var offerID [32]byte
			offerID[0] = byte(i)
			offerID[1] = byte(i >> 8)
			if _, err := ledger.Record(Rating{OfferID: offerID, Subject: subject, Ratee: crypto.RoleCarrier, Rater: crypto.RoleBuyer, Value: 5}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("record: %v", err)
	}

	score, err := ledger.Get(subject, crypto.RoleCarrier)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if score.Count != raters || score.Sum != 5*raters {
		t.Fatalf("lost updates: count=%d sum=%d, want %d/%d", score.Count, score.Sum, raters, 5*raters)
	}
}

func TestLedgerRejectsReplayedRating(t *testing.T) {
	ledger := NewLedger(newMemoryStore())
	rating := Rating{OfferID: [32]byte{9}, Subject: testParty(0x02), Ratee: crypto.RoleCarrier, Rater: crypto.RoleSeller, Value: 5}
	if _, err := ledger.Record(rating); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := ledger.Record(rating); !errors.Is(err, ErrRatingRecorded) {
		t.Fatalf("expected replay to be rejected, got %v", err)
	}
	rating.Value = 0
	rating.OfferID = [32]byte{10}
	if _, err := ledger.Record(rating); err == nil {
		t.Fatalf("expected zero rating to be rejected")
	}
}

func TestEngineEmitsScoreUpdates(t *testing.T) {
	engine := NewEngine(newMemoryStore())
	recorder := &events.Recorder{}
	engine.SetEmitter(recorder)

	if _, err := engine.Record(Rating{OfferID: [32]byte{3}, Subject: testParty(0x03), Ratee: crypto.RoleBuyer, Rater: crypto.RoleCarrier, Value: 200}); err != nil {
		t.Fatalf("record: %v", err)
	}
	types := recorder.Types()
	if len(types) != 1 || types[0] != EventTypeScoreUpdated {
		t.Fatalf("unexpected events %v", types)
	}
	if _, err := NewEngine(nil).Record(Rating{}); !errors.Is(err, ErrScoreNotFound) {
		t.Fatalf("expected engine without storage to fail")
	}
}
