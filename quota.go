package main

// assistQuota tracks per-player AI assist spending for one game. It is
// only ever touched while the owning game's lock is held, which is what
// makes the check-and-increment atomic: two concurrent assist requests
// can never both pass the check before either increments.
type assistQuota struct {
	limit int
	used  map[string]int
}

func newAssistQuota(limit int) *assistQuota {
	return &assistQuota{
		limit: limit,
		used:  make(map[string]int),
	}
}

// spend consumes one assist for playerID. It reports the assists left
// after spending, and false if the quota was already exhausted (in which
// case nothing is consumed).
func (q *assistQuota) spend(playerID string) (int, bool) {
	if q.used[playerID] >= q.limit {
		return 0, false
	}
	q.used[playerID]++
	return q.limit - q.used[playerID], true
}

func (q *assistQuota) remaining(playerID string) int {
	left := q.limit - q.used[playerID]
	if left < 0 {
		return 0
	}
	return left
}

// snapshot copies the usage map for broadcast payloads.
func (q *assistQuota) snapshot() map[string]int {
	out := make(map[string]int, len(q.used))
	for id, n := range q.used {
		out[id] = n
	}
	return out
}
