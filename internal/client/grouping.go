package client

import (
	"time"

	"chat-sync/internal/models"
)

// Group is a run of consecutive messages by one author.
type Group struct {
	AuthorID int
	Entries  []Entry
}

// ReverseHistory turns a newest-first history page into oldest-first entries.
func ReverseHistory(page []models.MessageInfo) []Entry {
	out := make([]Entry, len(page))
	for i, msg := range page {
		out[len(page)-1-i] = Entry{Message: msg, State: StateAcknowledged}
	}
	return out
}

// MergeHistory puts an older oldest-first page in front of current. Entries
// already present in current by localId are skipped, so current wins.
func MergeHistory(older, current []Entry) []Entry {
	seen := make(map[string]struct{}, len(current))
	for _, e := range current {
		seen[e.Message.LocalID] = struct{}{}
	}
	out := make([]Entry, 0, len(older)+len(current))
	for _, e := range older {
		if _, ok := seen[e.Message.LocalID]; ok {
			continue
		}
		seen[e.Message.LocalID] = struct{}{}
		out = append(out, e)
	}
	return append(out, current...)
}

// GroupMessages groups consecutive entries of the same author that are no
// more than window apart. A new calendar day always starts a new group.
func GroupMessages(entries []Entry, window time.Duration) []Group {
	var groups []Group
	for _, e := range entries {
		if n := len(groups); n > 0 {
			last := &groups[n-1]
			prev := last.Entries[len(last.Entries)-1].Message
			if last.AuthorID == e.Message.AuthorID &&
				sameDay(prev.CreatedAt, e.Message.CreatedAt) &&
				e.Message.CreatedAt.Sub(prev.CreatedAt) <= window {
				last.Entries = append(last.Entries, e)
				continue
			}
		}
		groups = append(groups, Group{AuthorID: e.Message.AuthorID, Entries: []Entry{e}})
	}
	return groups
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}
