package sync_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kunickiaj/codemem/internal/replication"
	"github.com/kunickiaj/codemem/internal/sync"
)

type fakeServerStore struct {
	ops     []replication.Op
	applied []replication.Op
}

func (f *fakeServerStore) LoadOpsSince(ctx context.Context, cursor string, limit int, deviceID string) ([]replication.Op, error) {
	return f.ops, nil
}

func (f *fakeServerStore) ApplyReplicationOps(ctx context.Context, ops []replication.Op, sourceDeviceID string, receivedAt time.Time) (replication.ApplyResult, error) {
	f.applied = append(f.applied, ops...)
	return replication.ApplyResult{Inserted: len(ops)}, nil
}

func newTestServer(t *testing.T, st *fakeServerStore) (*sync.Server, ed25519.PublicKey) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	srv := sync.NewServer("device-server", sync.Fingerprint(pub), nil, st, nil, nil)
	return srv, pub
}

func TestHandleStatus(t *testing.T) {
	st := &fakeServerStore{}
	srv, pub := newTestServer(t, st)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		DeviceID    string `json:"device_id"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.DeviceID != "device-server" {
		t.Errorf("device_id = %q, want device-server", out.DeviceID)
	}
	if out.Fingerprint != sync.Fingerprint(pub) {
		t.Errorf("fingerprint mismatch")
	}
}

func TestHandlePullOps(t *testing.T) {
	op := replication.Op{OpID: "op1", CreatedAt: time.Unix(1, 0).UTC(), OriginDeviceID: "device-a", EntityType: "memory_item", EntityID: "mem_1", OpType: "upsert"}
	st := &fakeServerStore{ops: []replication.Op{op}}
	srv, _ := newTestServer(t, st)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/ops?since=&limit=10")
	if err != nil {
		t.Fatalf("GET /v1/ops: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Ops        []replication.Op `json:"ops"`
		NextCursor string           `json:"next_cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Ops) != 1 || out.Ops[0].OpID != "op1" {
		t.Errorf("pulled ops = %+v, want [op1]", out.Ops)
	}
}

func TestHandlePullOpsFiltersOwnPeer(t *testing.T) {
	op := replication.Op{OpID: "op1", CreatedAt: time.Unix(1, 0).UTC(), OriginDeviceID: "device-a", EntityType: "memory_item", EntityID: "mem_1", OpType: "upsert"}
	st := &fakeServerStore{ops: []replication.Op{op}}
	srv, _ := newTestServer(t, st)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/ops?since=&limit=10", nil)
	req.Header.Set("X-Codemem-Device-ID", "device-a")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/ops: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Ops     []replication.Op `json:"ops"`
		Skipped int              `json:"skipped"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Ops) != 0 {
		t.Errorf("expected op originating from the requesting peer to be filtered out, got %+v", out.Ops)
	}
	if out.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", out.Skipped)
	}
}

func TestHandlePushOps(t *testing.T) {
	st := &fakeServerStore{}
	srv, _ := newTestServer(t, st)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"ops": []replication.Op{
		{OpID: "op1", CreatedAt: time.Unix(1, 0).UTC(), OriginDeviceID: "device-a", EntityType: "memory_item", EntityID: "mem_1", OpType: "upsert"},
	}})
	resp, err := http.Post(ts.URL+"/v1/ops", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/ops: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(st.applied) != 1 {
		t.Errorf("applied %d ops, want 1", len(st.applied))
	}
}

func TestHandlePushOpsTooManyOps(t *testing.T) {
	st := &fakeServerStore{}
	srv, _ := newTestServer(t, st)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ops := make([]replication.Op, sync.MaxOpsPerRequest+1)
	for i := range ops {
		ops[i] = replication.Op{OpID: "op", CreatedAt: time.Unix(1, 0).UTC(), EntityType: "memory_item", EntityID: "x", OpType: "upsert"}
	}
	body, _ := json.Marshal(map[string]any{"ops": ops})
	resp, err := http.Post(ts.URL+"/v1/ops", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/ops: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413 for too many ops", resp.StatusCode)
	}
}

func TestHandleOpsRejectsBadSignature(t *testing.T) {
	st := &fakeServerStore{}
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	peers, err := sync.NewRegistry(t.TempDir() + "/peers.json")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := peers.AddPeer(&sync.Peer{DeviceID: "device-a", PinnedFingerprint: sync.Fingerprint(pub), PublicKey: base64.StdEncoding.EncodeToString(pub)}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	srv := sync.NewServer("device-server", "fp", nil, st, peers, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/ops?since=&limit=10", nil)
	req.Header.Set("X-Codemem-Device-ID", "device-a")
	req.Header.Set("X-Codemem-Signature", "bogus")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/ops: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for an invalid signature from a known peer", resp.StatusCode)
	}
}
