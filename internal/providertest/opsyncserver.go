package providertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// OpSyncServer is a stateful in-memory fake of the operation-sync server
// protocol, sufficient for multi-client end-to-end tests:
// ops accumulate in append order, serverSeq is their 1-based index, and a
// snapshot set via SetSnapshot is returned (plus ops after it) whenever a
// client requests sinceSeq=0.
type OpSyncServer struct {
	mu       sync.Mutex
	ops      []json.RawMessage
	snapshot json.RawMessage
	wiped    bool

	Server *httptest.Server
}

// NewOpSyncServer starts an httptest.Server wired to a fresh OpSyncServer.
func NewOpSyncServer() *OpSyncServer {
	s := &OpSyncServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))

	return s
}

// Close shuts down the underlying httptest.Server.
func (s *OpSyncServer) Close() { s.Server.Close() }

// URL returns the server's base URL.
func (s *OpSyncServer) URL() string { return s.Server.URL }

// SetSnapshot installs a snapshot that will be returned to any client
// requesting sinceSeq=0, alongside any ops appended after it.
func (s *OpSyncServer) SetSnapshot(env json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot = env
}

func (s *OpSyncServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/sync/ops":
		s.handleGetOps(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/sync/ops":
		s.handlePostOps(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/sync/snapshot":
		s.handlePostSnapshot(w, r)
	case r.Method == http.MethodDelete && r.URL.Path == "/api/sync/all":
		s.handleDeleteAll(w)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *OpSyncServer) handleGetOps(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sinceSeq := parseSinceSeq(r.URL.Query().Get("sinceSeq"))

	var out []json.RawMessage
	if int64(len(s.ops)) > sinceSeq {
		out = s.ops[sinceSeq:]
	}

	resp := map[string]any{
		"ops":       out,
		"serverSeq": int64(len(s.ops)),
	}

	if sinceSeq == 0 && s.snapshot != nil {
		resp["snapshotState"] = s.snapshot
	}

	writeJSON(w, resp)
}

func (s *OpSyncServer) handlePostOps(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ops          []json.RawMessage `json:"ops"`
		IsCleanSlate bool              `json:"isCleanSlate"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	accepted := make([]string, 0, len(req.Ops))

	for _, raw := range req.Ops {
		var idHolder struct {
			ID string `json:"id"`
		}

		_ = json.Unmarshal(raw, &idHolder)
		accepted = append(accepted, idHolder.ID)
		s.ops = append(s.ops, raw)
	}

	writeJSON(w, map[string]any{
		"accepted":  accepted,
		"serverSeq": int64(len(s.ops)),
	})
}

func (s *OpSyncServer) handlePostSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SnapshotState json.RawMessage `json:"snapshotState"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.snapshot = req.SnapshotState
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (s *OpSyncServer) handleDeleteAll(w http.ResponseWriter) {
	s.mu.Lock()
	s.ops = nil
	s.snapshot = nil
	s.wiped = true
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func parseSinceSeq(raw string) int64 {
	var n int64

	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0
		}

		n = n*10 + int64(c-'0')
	}

	return n
}
