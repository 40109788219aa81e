package opsync

import (
	"encoding/json"
	"fmt"

	"github.com/tonimelisma/synccore/internal/clock"
	"github.com/tonimelisma/synccore/internal/envelope"
)

// SnapshotEnvelope is the shape of OpsResponse.SnapshotState and the body of
// UploadSnapshot: the full-state payload paired with the vector clock the
// snapshot was produced at — including this client's own prior component,
// so ops produced after a bootstrap stay causally later. Whenever the
// adapter's Options call for encryption or compression, the snapshot is
// sealed through the envelope and carried in Sealed, with State left empty,
// so a clean-slate/password-change snapshot gets the same protection as
// every op.
type SnapshotEnvelope struct {
	VectorClock clock.VectorClock `json:"vectorClock"`
	State       json.RawMessage   `json:"appDataComplete"`
	Sealed      []byte            `json:"sealed,omitempty"`
}

// decodeSnapshot parses raw as a SnapshotEnvelope, opening State through the
// crypto envelope first when the server sent a sealed snapshot.
func decodeSnapshot(raw json.RawMessage, deriver *envelope.KeyDeriver) (SnapshotEnvelope, error) {
	var env SnapshotEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return SnapshotEnvelope{}, fmt.Errorf("opsync: decoding snapshot envelope: %w", err)
	}

	if len(env.Sealed) == 0 {
		return env, nil
	}

	plain, err := envelope.Open(env.Sealed, deriver)
	if err != nil {
		return SnapshotEnvelope{}, fmt.Errorf("opsync: opening sealed snapshot: %w", err)
	}

	env.State = plain
	env.Sealed = nil

	return env, nil
}

// encodeSnapshot serializes a SnapshotEnvelope for UploadSnapshot, sealing
// State through the crypto envelope when opts calls for encryption or
// compression.
func encodeSnapshot(vc clock.VectorClock, state json.RawMessage, opts envelope.Options) (json.RawMessage, error) {
	env := SnapshotEnvelope{VectorClock: vc}

	if !opts.Encrypt && !opts.Compress {
		env.State = state
	} else {
		sealed, err := envelope.Seal(state, opts)
		if err != nil {
			return nil, fmt.Errorf("opsync: sealing snapshot: %w", err)
		}

		env.Sealed = sealed
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("opsync: encoding snapshot envelope: %w", err)
	}

	return data, nil
}
