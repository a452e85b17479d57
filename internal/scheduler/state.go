package scheduler

import (
	"sort"
	"strings"
)

// setKey canonicalizes a message-id set: sorted ids joined into one string,
// so two observations of the same messages compare equal regardless of order.
func setKey(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\n")
}

// setState counts consecutive observations of one message-id set. The retry
// state advances only on failures; the seen state advances on every
// observation, success or failure, and backs the success-loop breaker.
// Each instance is owned by a single channel worker, so no locking.
type setState struct {
	key   string
	count int
}

// observe records one observation of the set and returns the running count.
// A different set resets the count to 1.
func (s *setState) observe(key string) int {
	if s.key == key {
		s.count++
	} else {
		s.key = key
		s.count = 1
	}
	return s.count
}

// failures returns the recorded failure count for the set, or 0 when the set
// differs from the last-failed one.
func (s *setState) failures(key string) int {
	if s.key != key {
		return 0
	}
	return s.count
}

// recordFailure advances the failure count for the set.
func (s *setState) recordFailure(key string) {
	if s.key == key {
		s.count++
	} else {
		s.key = key
		s.count = 1
	}
}

// reset clears the state entirely.
func (s *setState) reset() {
	s.key = ""
	s.count = 0
}

// channelState bundles a chat channel's retry and seen tracking.
type channelState struct {
	retry setState
	seen  setState
}
