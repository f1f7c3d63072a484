package reputation

import (
	"errors"
	"sort"

	"dmarket/crypto"
	"dmarket/native/market"
)

// Score accumulates the ratings a participant received in one role. The
// average is kept as a sum and count so replaying the same ratings always
// yields the same value.
type Score struct {
	Subject crypto.PartyID
	Role    crypto.Role
	Sum     uint64
	Count   uint64
}

// Validate ensures the score refers to a concrete participant.
func (s *Score) Validate() error {
	if s == nil {
		return errors.New("reputation: score nil")
	}
	if s.Subject.IsZero() {
		return errors.New("reputation: subject required")
	}
	if !s.Role.Valid() {
		return errors.New("reputation: role required")
	}
	return nil
}

// Add folds one rating into the score. Unset slots (zero) are ignored.
func (s *Score) Add(rating uint8) {
	if rating == 0 {
		return
	}
	s.Sum += uint64(rating)
	s.Count++
}

// Average returns the mean rating or zero when nothing was rated.
func (s Score) Average() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Sum) / float64(s.Count)
}

type subjectRole struct {
	subject crypto.PartyID
	role    crypto.Role
}

// Aggregate computes the score of every rated participant from the rating
// slots of the supplied offers. Offers that were never purchased carry no
// ratings and are skipped.
func Aggregate(offers []*market.Offer) []Score {
	scores := make(map[subjectRole]*Score)
	add := func(subject crypto.PartyID, role crypto.Role, slots market.Ratings) {
		for _, rating := range slots {
			if rating == 0 {
				continue
			}
			key := subjectRole{subject: subject, role: role}
			score, ok := scores[key]
			if !ok {
				score = &Score{Subject: subject, Role: role}
				scores[key] = score
			}
			score.Add(rating)
		}
	}
	for _, offer := range offers {
		if offer == nil || offer.Purchase == nil {
			continue
		}
		add(offer.Seller, crypto.RoleSeller, offer.SellerRatings)
		add(offer.Purchase.SelectedCarrierID, crypto.RoleCarrier, offer.CarrierRatings)
		add(offer.Purchase.BuyerID, crypto.RoleBuyer, offer.BuyerRatings)
	}
	out := make([]Score, 0, len(scores))
	for _, score := range scores {
		out = append(out, *score)
	}
	return Rank(out)
}

// Rank orders scores by average rating, then by number of ratings, then by
// subject so the result is deterministic.
func Rank(scores []Score) []Score {
	ranked := append([]Score(nil), scores...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		// Compare sums cross-multiplied to avoid float ties.
		left := a.Sum * b.Count
		right := b.Sum * a.Count
		if left != right {
			return left > right
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if cmp := a.Subject.Compare(b.Subject); cmp != 0 {
			return cmp < 0
		}
		return a.Role < b.Role
	})
	return ranked
}
