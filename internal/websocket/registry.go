package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ClientRegistry tracks every connection currently attached to a Server, so
// events can be pushed to all of them. codemem's viewer has no concept of a
// per-client session to address individually — everyone watching sees the
// same feed — so unlike a general-purpose RPC server's registry this one
// has no session-keyed lookup, just an unkeyed set and a broadcast.
type ClientRegistry struct {
	mu          sync.RWMutex
	connections map[*Connection]struct{}
}

// NewClientRegistry creates an empty client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		connections: make(map[*Connection]struct{}),
	}
}

// addConn adds a connection to the set. Called by the server as soon as a
// connection is accepted.
func (r *ClientRegistry) addConn(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn] = struct{}{}
}

// removeConn removes a connection from the set when it closes.
func (r *ClientRegistry) removeConn(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, conn)
}

// Count returns the number of currently connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CloseAll closes every tracked connection.
func (r *ClientRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for conn := range r.connections {
		_ = conn.Close()
	}
	r.connections = make(map[*Connection]struct{})
}

// BroadcastAll sends notification to every connected client.
func (r *ClientRegistry) BroadcastAll(notification any) {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		// Ignore errors — the client may have disconnected between the
		// snapshot above and the send.
		_ = sendNotification(conn, notification)
	}
}

// sendNotification marshals notification as a JSON-RPC notification (no id)
// and writes it to conn. It extracts the inner "params" value when
// notification is already a {method, params} map, to avoid double-wrapping.
func sendNotification(conn *Connection, notification any) error {
	var params any = notification
	if m, ok := notification.(map[string]any); ok {
		if inner, ok := m["params"]; ok {
			params = inner
		}
	}
	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  notificationMethod(notification),
		"params":  params,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return conn.Send(data)
}

// notificationMethod extracts the method name from a {method, params} map,
// defaulting to a generic name when notification isn't shaped that way.
func notificationMethod(notification any) string {
	if m, ok := notification.(map[string]any); ok {
		if method, ok := m["method"].(string); ok {
			return method
		}
	}
	return "notification"
}
