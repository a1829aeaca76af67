package sync

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kunickiaj/codemem/internal/replication"
)

// httpTimeout bounds every peer HTTP call.
const httpTimeout = 10 * time.Second

// statusResponse mirrors GET /v1/status.
type statusResponse struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
}

type opsResponse struct {
	Ops        []replication.Op `json:"ops"`
	NextCursor string           `json:"next_cursor"`
	Skipped    int              `json:"skipped"`
}

// clientStore is the store surface the client exchange needs.
type clientStore interface {
	DeviceID() string
	NormalizeOutboundCursor(ctx context.Context, cursor string) (string, error)
	OutboundOpsSince(ctx context.Context, cursor string, limit int) ([]replication.Op, error)
	ApplyReplicationOps(ctx context.Context, ops []replication.Op, sourceDeviceID string, receivedAt time.Time) (replication.ApplyResult, error)
}

// Client drives one peer exchange (§4.7's client algorithm).
type Client struct {
	deviceID string
	priv     ed25519.PrivateKey
	store    clientStore
	http     *http.Client
}

// NewClient builds a sync client bound to the local store and signing key.
func NewClient(deviceID string, priv ed25519.PrivateKey, st clientStore) *Client {
	return &Client{deviceID: deviceID, priv: priv, store: st, http: &http.Client{Timeout: httpTimeout}}
}

// ExchangeResult reports what one peer exchange did, for recording as a
// SyncAttempt.
type ExchangeResult struct {
	OpsIn  int
	OpsOut int
}

// ErrPeerUntrusted is returned when the peer's live fingerprint does not
// match its pinned fingerprint.
var ErrPeerUntrusted = fmt.Errorf("peer untrusted: fingerprint mismatch")

// Exchange runs one full pull+push pass against addr for peer, trying
// addr in the order given by the caller (the caller iterates
// known_addresses), updating peer's cursors on success.
func (c *Client) Exchange(ctx context.Context, addr string, peer *Peer, limit int) (ExchangeResult, error) {
	var result ExchangeResult

	status, err := c.probeStatus(ctx, addr)
	if err != nil {
		return result, fmt.Errorf("status probe: %w", err)
	}
	if peer.PinnedFingerprint != "" && status.Fingerprint != peer.PinnedFingerprint {
		return result, ErrPeerUntrusted
	}
	if peer.PinnedFingerprint == "" {
		peer.PinnedFingerprint = status.Fingerprint
	}
	if peer.DeviceID == "" {
		peer.DeviceID = status.DeviceID
	}

	inCount, err := c.pull(ctx, addr, peer)
	if err != nil {
		return result, fmt.Errorf("pull: %w", err)
	}
	result.OpsIn = inCount

	outCount, err := c.push(ctx, addr, peer, limit)
	if err != nil {
		return result, fmt.Errorf("push: %w", err)
	}
	result.OpsOut = outCount

	return result, nil
}

// pull implements §4.7 step b: pull since last_applied, apply, advance the
// cursor either to the last applied op or (if the page was entirely
// filtered) to the server's next_cursor provided it legally advances.
func (c *Client) pull(ctx context.Context, addr string, peer *Peer) (int, error) {
	resp, err := c.getOps(ctx, addr, peer.LastApplied, 200)
	if err != nil {
		return 0, err
	}

	if len(resp.Ops) == 0 {
		if resp.Skipped > 0 && replication.CursorAdvances(peer.LastApplied, resp.NextCursor) {
			peer.LastApplied = resp.NextCursor
		}
		return 0, nil
	}

	if _, err := c.store.ApplyReplicationOps(ctx, resp.Ops, peer.DeviceID, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("apply pulled ops: %w", err)
	}

	last := resp.Ops[len(resp.Ops)-1]
	peer.LastApplied = replication.Cursor(last.CreatedAt, last.OpID)
	return len(resp.Ops), nil
}

// push implements §4.7 step c: normalize the outbound cursor, load this
// device's own ops, filter out anything the peer already originated, chunk
// by size, and POST each chunk, splitting recursively on 413.
func (c *Client) push(ctx context.Context, addr string, peer *Peer, limit int) (int, error) {
	cursor, err := c.store.NormalizeOutboundCursor(ctx, peer.LastAcked)
	if err != nil {
		return 0, fmt.Errorf("normalize outbound cursor: %w", err)
	}

	outbound, err := c.store.OutboundOpsSince(ctx, cursor, limit)
	if err != nil {
		return 0, fmt.Errorf("load outbound ops: %w", err)
	}
	retained, _ := replication.FilterForSync(outbound, peer.DeviceID)
	if len(retained) == 0 {
		return 0, nil
	}

	chunks := replication.ChunkOpsBySize(retained, MaxBodyBytes/2)
	sent := 0
	for _, chunk := range chunks {
		if err := c.postChunk(ctx, addr, chunk); err != nil {
			return sent, err
		}
		sent += len(chunk)
	}

	last := outbound[len(outbound)-1]
	peer.LastAcked = replication.Cursor(last.CreatedAt, last.OpID)
	return sent, nil
}

// postChunk POSTs one chunk, recursively binary-splitting on a 413
// response, per §4.7.
func (c *Client) postChunk(ctx context.Context, addr string, ops []replication.Op) error {
	body, err := json.Marshal(map[string]any{"ops": ops})
	if err != nil {
		return fmt.Errorf("marshal ops: %w", err)
	}

	status, respBody, err := c.doSigned(ctx, http.MethodPost, addr+"/v1/ops", body)
	if err != nil {
		return fmt.Errorf("post ops: %w", err)
	}
	if status == http.StatusOK {
		return nil
	}
	if status == http.StatusRequestEntityTooLarge && len(ops) > 1 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		if errResp.Error == "payload_too_large" || errResp.Error == "too_many_ops" {
			mid := len(ops) / 2
			if err := c.postChunk(ctx, addr, ops[:mid]); err != nil {
				return err
			}
			return c.postChunk(ctx, addr, ops[mid:])
		}
	}
	return parseProtocolError(status, respBody)
}

func (c *Client) probeStatus(ctx context.Context, addr string) (statusResponse, error) {
	var out statusResponse
	status, body, err := c.doSigned(ctx, http.MethodGet, addr+"/v1/status", nil)
	if err != nil {
		return out, err
	}
	if status != http.StatusOK {
		return out, parseProtocolError(status, body)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode status response: %w", err)
	}
	return out, nil
}

func (c *Client) getOps(ctx context.Context, addr, since string, limit int) (opsResponse, error) {
	var out opsResponse
	url := fmt.Sprintf("%s/v1/ops?since=%s&limit=%d", addr, since, limit)
	status, body, err := c.doSigned(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, err
	}
	if status != http.StatusOK {
		return out, parseProtocolError(status, body)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode ops response: %w", err)
	}
	return out, nil
}

func (c *Client) doSigned(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set(headerPeerID, c.deviceID)
	req.Header.Set(headerSignature, SignRequest(method, req.URL.RequestURI(), string(body), c.priv))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// ProtocolError is a non-2xx response from a peer with a decodable
// error/reason, per §4.7/§7's PROTOCOL error class.
type ProtocolError struct {
	Status int
	Err    string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (status %d): %s: %s", e.Status, e.Err, e.Reason)
}

func parseProtocolError(status int, body []byte) error {
	var decoded struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(body, &decoded)
	return &ProtocolError{Status: status, Err: decoded.Error, Reason: decoded.Reason}
}
