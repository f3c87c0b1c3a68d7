package lifecycle

import (
	"time"

	"github.com/lalithlochan/stencil/internal/db"
)

// transitions lists every status change a template may make. Creation
// (from "") only ever lands in Draft. Edits do not appear here: they create
// a new record instead of moving an existing one.
var transitions = map[string][]string{
	"":                {db.StatusDraft},
	db.StatusDraft:    {db.StatusPending},
	db.StatusPending:  {db.StatusApproved, db.StatusRejected},
	db.StatusApproved: {db.StatusSuperseded},
}

// CanTransition reports whether a template may move from one status to
// another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Deletable reports whether a template in status may be removed.
func Deletable(status string) bool {
	return status == db.StatusDraft || status == db.StatusRejected
}

// TimeInStatus sums how long a template spent in each status, replaying its
// history in order. The current status accrues time up to now.
func TimeInStatus(history []*db.StatusHistory, now time.Time) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for i, h := range history {
		end := now
		if i+1 < len(history) {
			end = history[i+1].CreatedAt
		}
		// Clock skew between writers can make a step negative.
		out[h.ToStatus] += max(end.Sub(h.CreatedAt), 0)
	}
	return out
}
