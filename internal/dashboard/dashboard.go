// Package dashboard exposes a thin read-only WebSocket viewer onto the
// memory store: a JSON-RPC "memory.recent" call for the initial page load,
// plus a live push of every newly remembered item, onto
// internal/websocket's transport. It is deliberately minimal — there is no
// authentication and no write path — and is off by default.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kunickiaj/codemem/internal/daemon"
	"github.com/kunickiaj/codemem/internal/store"
	"github.com/kunickiaj/codemem/internal/websocket"
)

// Hub wires a *store.Store to a websocket.Server: it answers recall calls
// from connected viewers and broadcasts new memory items as they land.
type Hub struct {
	store    *store.Store
	server   *websocket.Server
	portFile string
}

// NewHub builds a dashboard bound to addr (e.g. "127.0.0.1:7777") and
// registers st.OnRemember to push newly remembered items to every
// connected viewer.
func NewHub(addr string, st *store.Store) *Hub {
	h := &Hub{store: st}
	h.server = websocket.NewServer(addr, registryFunc(h.handle))
	st.OnRemember(h.pushItem)
	return h
}

// NewAutoHub picks the first free port in the daemon package's default
// dashboard range, binds a Hub to it on localhost, and arranges for the
// chosen port to be written to repoPath's dashboard port file on Start so
// a separately-invoked "codemem dashboard status" can find it. The port
// file is removed on Stop.
func NewAutoHub(repoPath string, st *store.Store) (*Hub, error) {
	port, err := daemon.FindAvailablePort(daemon.DefaultPortRangeMin, daemon.DefaultPortRangeMax)
	if err != nil {
		return nil, fmt.Errorf("find available port for dashboard: %w", err)
	}
	h := NewHub(fmt.Sprintf("127.0.0.1:%d", port), st)
	h.portFile = daemon.DashboardPortFilePath(repoPath)
	return h, nil
}

// Start begins accepting viewer connections and, for a Hub built with
// NewAutoHub, publishes its listening port to the discovery file.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.server.Start(ctx); err != nil {
		return err
	}
	if h.portFile != "" {
		if err := daemon.WritePortFile(h.portFile, h.server.Port()); err != nil {
			return fmt.Errorf("write dashboard port file: %w", err)
		}
	}
	return nil
}

// Stop closes all viewer connections, shuts down the HTTP listener, and
// removes the discovery port file if one was published.
func (h *Hub) Stop() error {
	if h.portFile != "" {
		_ = daemon.RemovePortFile(h.portFile)
	}
	return h.server.Stop()
}

// Port returns the TCP port the dashboard is listening on.
func (h *Hub) Port() int { return h.server.Port() }

func (h *Hub) pushItem(item store.MemoryItem) {
	h.server.GetClients().BroadcastAll(map[string]any{
		"method": "memory.remembered",
		"params": item,
	})
}

func (h *Hub) handle(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Limit int `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("decode memory.recent params: %w", err)
		}
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	return h.store.Recent(ctx, req.Limit, store.Filters{})
}

// registryFunc adapts a bare handler function to websocket.HandlerRegistry
// so Hub doesn't need a multi-method dispatch table for its one RPC call.
type registryFunc func(ctx context.Context, params json.RawMessage) (any, error)

func (f registryFunc) GetHandler(method string) (websocket.Handler, bool) {
	if method != "memory.recent" {
		return nil, false
	}
	return websocket.Handler(f), true
}
