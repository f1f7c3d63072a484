package reputation

import (
	"errors"
	"fmt"
	"sync"

	"dmarket/crypto"
)

// storage abstracts the subset of state store functionality required by the
// reputation ledger.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	scorePrefix  = []byte("reputation/score/")
	ratingPrefix = []byte("reputation/rating/")
)

func scoreKey(subject crypto.PartyID, role crypto.Role) []byte {
	return []byte(fmt.Sprintf("%s%s/%x", scorePrefix, role, subject))
}

func ratingKey(offerID [32]byte, ratee, rater crypto.Role) []byte {
	return []byte(fmt.Sprintf("%s%x/%s/%s", ratingPrefix, offerID, ratee, rater))
}

var (
	// ErrScoreNotFound marks participants that have not been rated yet.
	ErrScoreNotFound = errors.New("reputation: score not found")
	// ErrRatingRecorded is returned when the same rating slot is recorded
	// twice.
	ErrRatingRecorded = errors.New("reputation: rating already recorded")
)

// Rating identifies one written rating slot.
type Rating struct {
	OfferID [32]byte
	Subject crypto.PartyID
	Ratee   crypto.Role
	Rater   crypto.Role
	Value   uint8
}

// Ledger persists running scores keyed by participant and role.
type Ledger struct {
	mu    sync.Mutex
	store storage
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store storage) *Ledger {
	return &Ledger{store: store}
}

// Record folds a rating into the subject's score. Each (offer, ratee, rater)
// slot is recorded at most once.
func (l *Ledger) Record(r Rating) (*Score, error) {
	if l == nil {
		return nil, errors.New("reputation: ledger not initialised")
	}
	if l.store == nil {
		return nil, errors.New("reputation: storage unavailable")
	}
	if r.Value == 0 {
		return nil, errors.New("reputation: rating must be positive")
	}
	// The marker check and the score update span several store calls.
	l.mu.Lock()
	defer l.mu.Unlock()
	marker := ratingKey(r.OfferID, r.Ratee, r.Rater)
	seen, err := l.store.KVGet(marker, nil)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, ErrRatingRecorded
	}
	score, err := l.load(r.Subject, r.Ratee)
	if err != nil && !errors.Is(err, ErrScoreNotFound) {
		return nil, err
	}
	score.Add(r.Value)
	if err := score.Validate(); err != nil {
		return nil, err
	}
	if err := l.store.KVPut(scoreKey(score.Subject, score.Role), &storedScore{Sum: score.Sum, Count: score.Count}); err != nil {
		return nil, err
	}
	if err := l.store.KVPut(marker, uint64(r.Value)); err != nil {
		return nil, err
	}
	return score, nil
}

// Get returns the stored score for subject in role.
func (l *Ledger) Get(subject crypto.PartyID, role crypto.Role) (*Score, error) {
	if l == nil || l.store == nil {
		return nil, ErrScoreNotFound
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(subject, role)
}

func (l *Ledger) load(subject crypto.PartyID, role crypto.Role) (*Score, error) {
	score := &Score{Subject: subject, Role: role}
	var stored storedScore
	found, err := l.store.KVGet(scoreKey(subject, role), &stored)
	if err != nil {
		return nil, err
	}
	if !found {
		return score, ErrScoreNotFound
	}
	score.Sum = stored.Sum
	score.Count = stored.Count
	return score, nil
}

type storedScore struct {
	Sum   uint64
	Count uint64
}
