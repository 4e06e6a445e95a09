package server

import (
	"sort"
	"time"
)

const typingTTL = 5 * time.Second

// typingTracker holds the advisory user -> typing-until map for one
// conversation. Entries are never persisted and expired entries are pruned
// lazily on the next read rather than by a background sweep.
type typingTracker struct {
	expiry map[int]time.Time
}

func newTypingTracker() *typingTracker {
	return &typingTracker{expiry: make(map[int]time.Time)}
}

func (tt *typingTracker) set(userId int, now time.Time) {
	tt.expiry[userId] = now.Add(typingTTL)
}

// clear removes the user's entry and reports whether one was present and
// still live.
func (tt *typingTracker) clear(userId int, now time.Time) bool {
	until, ok := tt.expiry[userId]
	if !ok {
		return false
	}

	delete(tt.expiry, userId)
	return now.Before(until)
}

// active prunes expired entries and returns the sorted list of users still
// typing.
func (tt *typingTracker) active(now time.Time) []int {
	ids := make([]int, 0, len(tt.expiry))
	for userId, until := range tt.expiry {
		if !now.Before(until) {
			delete(tt.expiry, userId)
			continue
		}
		ids = append(ids, userId)
	}
	sort.Ints(ids)
	return ids
}
