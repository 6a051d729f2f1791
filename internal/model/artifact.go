package model

import "time"

// Artifact is a cached derived document (e.g. a meeting-prep brief) that an
// external enrichment collaborator regenerates when its entity's signals
// change. The invalidation watcher only flips the stale flag.
type Artifact struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Entity       EntityRef `json:"entity"`
	Stale        bool      `json:"stale"`
	StaleSince   time.Time `json:"stale_since,omitzero"`
	RegisteredAt time.Time `json:"registered_at"`
}
