package server

import (
	"sort"

	"github.com/learnloop/messaging/internal/types"
)

// reactionSet aggregates the reactions on a single message as
// emoji -> set of reacting user ids. A user can hold a given emoji at most
// once, so applying the same reaction twice is a no-op and the per-emoji
// count is always the size of the user set.
type reactionSet struct {
	users map[string]map[int]struct{}
}

func newReactionSet() *reactionSet {
	return &reactionSet{users: make(map[string]map[int]struct{})}
}

func (rs *reactionSet) has(userId int, emoji string) bool {
	_, ok := rs.users[emoji][userId]
	return ok
}

// add inserts the user's reaction and reports whether the set changed.
func (rs *reactionSet) add(userId int, emoji string) bool {
	if rs.has(userId, emoji) {
		return false
	}

	if rs.users[emoji] == nil {
		rs.users[emoji] = make(map[int]struct{})
	}
	rs.users[emoji][userId] = struct{}{}
	return true
}

// remove deletes the user's reaction and reports whether the set changed.
func (rs *reactionSet) remove(userId int, emoji string) bool {
	if !rs.has(userId, emoji) {
		return false
	}

	delete(rs.users[emoji], userId)
	if len(rs.users[emoji]) == 0 {
		delete(rs.users, emoji)
	}
	return true
}

// snapshot renders the full aggregate for broadcast. Updates always carry
// the complete set rather than a delta so out-of-order delivery cannot
// corrupt client state.
func (rs *reactionSet) snapshot() types.Reactions {
	out := make(types.Reactions, len(rs.users))
	for emoji, users := range rs.users {
		ids := make([]int, 0, len(users))
		for id := range users {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		out[emoji] = types.ReactionGroup{Count: len(ids), UserIds: ids}
	}
	return out
}
