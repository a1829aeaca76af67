package sync

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kunickiaj/codemem/internal/replication"
)

// MaxOpsPerRequest and MaxBodyBytes bound a single POST /v1/ops payload;
// exceeding either yields 413 so the client splits the batch and retries.
const (
	MaxOpsPerRequest = 500
	MaxBodyBytes     = 2 << 20 // 2MiB
)

const (
	headerPeerID    = "X-Codemem-Device-ID"
	headerSignature = "X-Codemem-Signature"
)

// Server serves the sync HTTP protocol (§4.7): status, ops pull, ops push.
type Server struct {
	deviceID    string
	fingerprint string
	priv        ed25519.PrivateKey
	peers       *Registry
	limiter     *RateLimiter
	store       serverStore
}

// serverStore is the narrow store surface the handlers need.
type serverStore interface {
	LoadOpsSince(ctx context.Context, cursor string, limit int, deviceID string) ([]replication.Op, error)
	ApplyReplicationOps(ctx context.Context, ops []replication.Op, sourceDeviceID string, receivedAt time.Time) (replication.ApplyResult, error)
}

// NewServer wires a sync HTTP server against a store adapter, peer
// registry, and rate limiter.
func NewServer(deviceID, fingerprint string, priv ed25519.PrivateKey, st serverStore, peers *Registry, limiter *RateLimiter) *Server {
	return &Server{deviceID: deviceID, fingerprint: fingerprint, priv: priv, store: st, peers: peers, limiter: limiter}
}

// Handler returns the http.Handler implementing /v1/status, /v1/ops GET/POST.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/ops", s.handleOps)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":   s.deviceID,
		"fingerprint": s.fingerprint,
	})
}

func (s *Server) handleOps(w http.ResponseWriter, r *http.Request) {
	peerID := r.Header.Get(headerPeerID)
	if s.limiter != nil {
		if err := s.limiter.Allow(peerID); err != nil {
			if rle, ok := err.(*RateLimitError); ok {
				writeJSON(w, rle.Code, map[string]any{"error": "rate_limited", "reason": rle.Message})
				return
			}
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate_limited"})
			return
		}
	}

	if peer := s.peerFor(peerID); peer != nil {
		sig := r.Header.Get(headerSignature)
		body, _ := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
		r.Body.Close()
		pub, err := decodePublicKey(peer.PublicKey)
		if err == nil && !VerifyRequestSignature(r.Method, r.URL.String(), string(body), sig, pub) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "peer_untrusted", "reason": "signature verification failed"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	switch r.Method {
	case http.MethodGet:
		s.handlePullOps(w, r, peerID)
	case http.MethodPost:
		s.handlePushOps(w, r, peerID)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method_not_allowed"})
	}
}

func (s *Server) handlePullOps(w http.ResponseWriter, r *http.Request, peerID string) {
	since := r.URL.Query().Get("since")
	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	all, err := s.store.LoadOpsSince(r.Context(), since, limit, "")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal", "reason": err.Error()})
		return
	}

	retained, trailingCursor := replication.FilterForSync(all, peerID)
	nextCursor := trailingCursor
	if len(retained) > 0 {
		last := retained[len(retained)-1]
		nextCursor = replication.Cursor(last.CreatedAt, last.OpID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ops":         retained,
		"next_cursor": nextCursor,
		"skipped":     len(all) - len(retained),
	})
}

func (s *Server) handlePushOps(w http.ResponseWriter, r *http.Request, peerID string) {
	var body struct {
		Ops []replication.Op `json:"ops"`
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_body", "reason": err.Error()})
		return
	}
	if len(raw) > MaxBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "payload_too_large"})
		return
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_body", "reason": err.Error()})
		return
	}
	if len(body.Ops) > MaxOpsPerRequest {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "too_many_ops"})
		return
	}

	if s.limiter != nil {
		s.limiter.IncrementQueue()
		defer s.limiter.DecrementQueue()
	}

	if _, err := s.store.ApplyReplicationOps(r.Context(), body.Ops, peerID, time.Now().UTC()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "apply_failed", "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) peerFor(peerID string) *Peer {
	if s.peers == nil || peerID == "" {
		return nil
	}
	return s.peers.Get(peerID)
}

func decodePublicKey(b64 string) (ed25519.PublicKey, error) {
	if b64 == "" {
		return nil, fmt.Errorf("no public key pinned")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("sync: encode response: %v", err)
	}
}
