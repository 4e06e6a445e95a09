package server

// readTracker keeps the per-user last-read high-water-mark for one
// conversation. Cursors only move forward, so duplicate or out-of-order
// receipts are no-ops.
type readTracker struct {
	cursors map[int]int
}

func newReadTracker() *readTracker {
	return &readTracker{cursors: make(map[int]int)}
}

func (rt *readTracker) cursor(userId int) int {
	return rt.cursors[userId]
}

// advance moves the user's cursor to messageId if it is newer and reports
// whether it moved.
func (rt *readTracker) advance(userId, messageId int) bool {
	if messageId <= rt.cursors[userId] {
		return false
	}

	rt.cursors[userId] = messageId
	return true
}
