package opsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tonimelisma/synccore/internal/clock"
	"github.com/tonimelisma/synccore/internal/envelope"
	"github.com/tonimelisma/synccore/internal/ops"
	"github.com/tonimelisma/synccore/internal/orchestrator"
)

// Adapter implements orchestrator.Adapter against the operation-sync server,
// using the server's own monotone serverSeq as the cursor.
type Adapter struct {
	client   *Client
	clientID string
	envOpts  envelope.Options
}

// New creates an Adapter for clientID talking to the op-sync server via
// client. envOpts is applied per-op on the wire: when both Encrypt and Compress
// are false, ops travel as plain Op JSON (the wire surface's "Op" variant);
// otherwise each op is sealed into the envelope and wrapped as the wire
// surface's "EncryptedOp" variant.
func New(client *Client, clientID string, envOpts envelope.Options) *Adapter {
	return &Adapter{client: client, clientID: clientID, envOpts: envOpts}
}

// IsReady implements orchestrator.Adapter. The op-sync adapter is ready as
// soon as it's constructed with a client; real readiness (reachability,
// auth) surfaces as a Download/Upload error instead of a separate probe,
// since the server has no local-resource precondition to check up front.
func (a *Adapter) IsReady(ctx context.Context) (bool, error) {
	return true, nil
}

// Download implements orchestrator.Adapter. cursor encodes the last
// serverSeq this client has applied; an empty cursor means sinceSeq=0, which
// may return a bootstrap snapshot.
func (a *Adapter) Download(ctx context.Context, cursor string) (orchestrator.DownloadResult, error) {
	sinceSeq := parseSeqCursor(cursor)

	resp, err := a.client.GetOps(ctx, sinceSeq)
	if err != nil {
		return orchestrator.DownloadResult{}, fmt.Errorf("opsync: download phase: %w", err)
	}

	var result []ops.Operation

	if len(resp.SnapshotState) > 0 {
		importOp, err := a.buildSyncImport(resp.SnapshotState)
		if err != nil {
			return orchestrator.DownloadResult{}, err
		}

		result = append(result, importOp)
	}

	for _, raw := range resp.Ops {
		op, err := a.decodeWireOp(raw)
		if err != nil {
			return orchestrator.DownloadResult{}, fmt.Errorf("opsync: decoding remote op: %w", err)
		}

		result = append(result, op)
	}

	return orchestrator.DownloadResult{
		Ops:           result,
		Cursor:        strconv.FormatInt(resp.ServerSeq, 10),
		RemoteSummary: fmt.Sprintf("serverSeq=%d", resp.ServerSeq),
	}, nil
}

// buildSyncImport wraps a server-provided snapshot as a SyncImport op,
// preserving its vector clock exactly — including this client's own prior
// component, if any — so every op this client produces afterward remains
// causally later for every peer.
func (a *Adapter) buildSyncImport(raw json.RawMessage) (ops.Operation, error) {
	env, err := decodeSnapshot(raw, a.envOpts.KeyDeriver)
	if err != nil {
		return ops.Operation{}, err
	}

	return ops.Operation{
		ID:            ops.NewID(),
		ClientID:      a.clientID,
		Timestamp:     ops.NowMillis(),
		VectorClock:   env.VectorClock,
		SchemaVersion: ops.CurrentSchemaVersion,
		EntityType:    ops.EntityTask,
		OpType:        ops.OpSyncImport,
		ActionType:    ops.ActionLabel(ops.EntityTask, ops.OpSyncImport),
		Payload:       env.State,
	}, nil
}

// Upload implements orchestrator.Adapter.
func (a *Adapter) Upload(ctx context.Context, batch orchestrator.UploadBatch) (orchestrator.UploadResult, error) {
	encodedOps, err := a.encodeWireOps(batch.Ops)
	if err != nil {
		return orchestrator.UploadResult{}, err
	}

	vcJSON, err := json.Marshal(batch.VectorClockAtUpload)
	if err != nil {
		return orchestrator.UploadResult{}, fmt.Errorf("opsync: encoding upload vector clock: %w", err)
	}

	resp, err := a.client.UploadOps(ctx, UploadOpsRequest{
		Ops:                 encodedOps,
		VectorClockAtUpload: vcJSON,
		IsCleanSlate:        batch.IsCleanSlate,
	})
	if err != nil {
		return orchestrator.UploadResult{}, fmt.Errorf("opsync: upload phase: %w", err)
	}

	piggybacked := make([]ops.Operation, 0, len(resp.PiggybackedOps))

	for _, raw := range resp.PiggybackedOps {
		op, err := a.decodeWireOp(raw)
		if err != nil {
			return orchestrator.UploadResult{}, fmt.Errorf("opsync: decoding piggybacked op: %w", err)
		}

		piggybacked = append(piggybacked, op)
	}

	return orchestrator.UploadResult{
		Accepted:       resp.Accepted,
		RejectedOps:    resp.RejectedOps,
		NewCursor:      strconv.FormatInt(resp.ServerSeq, 10),
		PiggybackedOps: piggybacked,
	}, nil
}

// CleanSlate implements the clean-slate flow: wipe the server's
// data for this account, then upload fullState as a fresh snapshot under the
// given (freshly generated) clientID. Callers are responsible for generating
// the new clientID, recording the local SyncImport, and gating this behind
// the orchestrator's privileged-operation lock before calling it.
func (a *Adapter) CleanSlate(ctx context.Context, clientID string, vc clock.VectorClock, fullState json.RawMessage) error {
	if err := a.client.DeleteAll(ctx); err != nil {
		return fmt.Errorf("opsync: clean-slate wipe: %w", err)
	}

	a.clientID = clientID

	snapshotEnv, err := encodeSnapshot(vc, fullState, a.envOpts)
	if err != nil {
		return err
	}

	if err := a.client.UploadSnapshot(ctx, snapshotEnv, true); err != nil {
		return fmt.Errorf("opsync: clean-slate snapshot upload: %w", err)
	}

	return nil
}

// wireEncryptedOp is the wire surface's "EncryptedOp" variant: an op sealed
// through the envelope, so its payload is indistinguishable from random
// bytes on the wire. Go's encoding/json base64-encodes a []byte field
// automatically, which is exactly how ciphertext travels in JSON.
type wireEncryptedOp struct {
	Envelope []byte `json:"envelope"`
}

// encodeWireOps renders batchOps as either plain Op or EncryptedOp JSON per
// a.envOpts — the same envelope the file-based transport uses, applied
// per-op here.
func (a *Adapter) encodeWireOps(batchOps []ops.Operation) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(batchOps))

	for _, op := range batchOps {
		data, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("opsync: encoding op %s: %w", op.ID, err)
		}

		if !a.envOpts.Encrypt && !a.envOpts.Compress {
			out = append(out, data)

			continue
		}

		sealed, err := envelope.Seal(data, a.envOpts)
		if err != nil {
			return nil, fmt.Errorf("opsync: sealing op %s: %w", op.ID, err)
		}

		wrapped, err := json.Marshal(wireEncryptedOp{Envelope: sealed})
		if err != nil {
			return nil, fmt.Errorf("opsync: encoding sealed op %s: %w", op.ID, err)
		}

		out = append(out, wrapped)
	}

	return out, nil
}

// decodeWireOp accepts either wire variant: a plain Op, or an EncryptedOp
// that must be opened through the envelope before it parses as an Op. The
// presence of the "envelope" key (absent from ops.Operation) distinguishes
// the two without a separate type tag on the wire.
func (a *Adapter) decodeWireOp(raw json.RawMessage) (ops.Operation, error) {
	var probe struct {
		Envelope []byte `json:"envelope"`
	}

	if err := json.Unmarshal(raw, &probe); err == nil && probe.Envelope != nil {
		plain, err := envelope.Open(probe.Envelope, a.envOpts.KeyDeriver)
		if err != nil {
			return ops.Operation{}, fmt.Errorf("opening sealed op: %w", err)
		}

		var op ops.Operation
		if err := json.Unmarshal(plain, &op); err != nil {
			return ops.Operation{}, err
		}

		return op, nil
	}

	var op ops.Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return ops.Operation{}, err
	}

	return op, nil
}

func parseSeqCursor(cursor string) int64 {
	if cursor == "" {
		return 0
	}

	seq, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0
	}

	return seq
}
