package fileadapter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tonimelisma/synccore/internal/clock"
	"github.com/tonimelisma/synccore/internal/ops"
)

// MaxRecentOps bounds the shared container's recent-ops buffer.
const MaxRecentOps = 500

// Container is the single shared JSON object written to
// sync-data.json: a logical sync-version counter, the contributing clients'
// merged vector clock, an optional opportunistic full-state snapshot, and a
// bounded buffer of the most recently uploaded ops.
type Container struct {
	SyncVersion   int64             `json:"syncVersion"`
	VectorClock   clock.VectorClock `json:"vectorClock"`
	ClientID      string            `json:"clientId,omitempty"`
	SnapshotState json.RawMessage   `json:"snapshotState,omitempty"`
	RecentOps     []ops.Operation   `json:"recentOps"`
	ArchiveYoung  json.RawMessage   `json:"archiveYoung,omitempty"`
	ArchiveOld    json.RawMessage   `json:"archiveOld,omitempty"`
}

// appendOps merges newOps into the container's recent-ops buffer, deduping
// by id (an op already present is left in its original position) and
// keeping only the newest MaxRecentOps afterward.
func (c *Container) appendOps(newOps []ops.Operation) {
	seen := make(map[string]bool, len(c.RecentOps)+len(newOps))

	for _, op := range c.RecentOps {
		seen[op.ID] = true
	}

	for _, op := range newOps {
		if seen[op.ID] {
			continue
		}

		seen[op.ID] = true
		c.RecentOps = append(c.RecentOps, op)
	}

	if len(c.RecentOps) > MaxRecentOps {
		c.RecentOps = c.RecentOps[len(c.RecentOps)-MaxRecentOps:]
	}
}

// Cursor is the file-based adapter's opaque sync position: the logical
// syncVersion last successfully applied, plus the revision marker
// (ETag/Last-Modified) captured alongside it for the next conditional
// write.
type Cursor struct {
	SyncVersion int64
	Rev         string
}

// String encodes the cursor for storage via oplog.Store.SetCursor.
func (c Cursor) String() string {
	return fmt.Sprintf("%d|%s", c.SyncVersion, c.Rev)
}

// ParseCursor decodes a cursor string produced by Cursor.String. An empty
// input string is the zero Cursor — the state of a client that has never
// synced.
func ParseCursor(s string) Cursor {
	if s == "" {
		return Cursor{}
	}

	parts := strings.SplitN(s, "|", 2)

	version, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}
	}

	rev := ""
	if len(parts) == 2 {
		rev = parts[1]
	}

	return Cursor{SyncVersion: version, Rev: rev}
}
