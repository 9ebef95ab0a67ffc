package storage

import "bookbot/internal/listing"

var persistedStates = []listing.State{
	listing.Accepted,
	listing.ClaimAttempted,
	listing.ClaimSucceeded,
	listing.ClaimFailed,
}

// priorStates lists the persisted states that may legally advance to next.
// SQL drivers use it to make a transition a single guarded UPDATE.
func priorStates(next listing.State) []string {
	out := make([]string, 0, 2)
	for _, s := range persistedStates {
		if s.CanAdvanceTo(next) {
			out = append(out, string(s))
		}
	}
	return out
}
