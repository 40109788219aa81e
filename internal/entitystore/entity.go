// Package entitystore persists domain entity state: the materialized,
// current-value view that the merge resolver writes into and every other
// part of the application reads from, together with the per-entity LWW
// metadata (vector clock, last-update timestamp) the merge needs.
//
// The shape of any single entity's application fields is owned by external
// domain reducers; this package only ever touches the envelope fields every
// entity carries once it participates in merge.
package entitystore

import (
	"encoding/json"

	"github.com/tonimelisma/synccore/internal/clock"
)

// Entity is the generic envelope around a domain entity's current state.
//
// LastWriterClientID exists because the CONCURRENT tiebreak
// needs a clientId to break timestamp ties, and that
// clientId must survive as long as the entity does — so it travels with the
// entity rather than being re-derived from the log on every comparison.
type Entity struct {
	Type                string            `json:"type"`
	ID                  string            `json:"id"`
	VectorClock         clock.VectorClock `json:"vectorClock"`
	LastUpdate          int64             `json:"lastUpdate"` // ms since epoch, LWW tiebreak only
	LastWriterClientID  string            `json:"lastWriterClientId,omitempty"`
	Payload             json.RawMessage   `json:"payload"`
	Tombstone           bool              `json:"tombstone"`
}

// Key identifies an entity by type and id, the natural primary key for
// every domain entity that participates in merge.
type Key struct {
	Type string
	ID   string
}
