package reputation

import (
	"strconv"

	"dmarket/core/types"
)

const (
	// EventTypeScoreUpdated is emitted when a rating changes a participant's
	// running score.
	EventTypeScoreUpdated = "reputation.scoreUpdated"
)

// NewScoreUpdatedEvent returns the canonical event payload for a score change.
func NewScoreUpdatedEvent(s *Score) *types.Event {
	attrs := make(map[string]string)
	if s == nil {
		return &types.Event{Type: EventTypeScoreUpdated, Attributes: attrs}
	}
	if err := s.Validate(); err != nil {
		return &types.Event{Type: EventTypeScoreUpdated, Attributes: attrs}
	}
	attrs["subject"] = s.Subject.String()
	attrs["role"] = s.Role.String()
	attrs["count"] = strconv.FormatUint(s.Count, 10)
	attrs["average"] = strconv.FormatFloat(s.Average(), 'f', 2, 64)
	return &types.Event{Type: EventTypeScoreUpdated, Attributes: attrs}
}
